// Package cli implements the railsim command tree.
package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/signalsfoundry/rail-simulator/internal/config"
	"github.com/spf13/cobra"
)

var (
	groupTitleColor   = color.New(color.FgCyan, color.Bold)
	sectionTitleColor = color.New(color.FgBlue, color.Bold)
)

var version = "dev"

// SetVersion overrides the reported version, typically from ldflags.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// newRootCmd builds a fresh command tree. Flag defaults come from the
// environment so any flag given on the command line wins.
func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:     "railsim",
		Version: version,
		Short:   "Concurrent railway network simulator",
		Long: `railsim plans conflict-free timetables for trains sharing single-track
sections and platform-limited stations, then runs every train as its own
goroutine while a dispatcher watches section occupancy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.SetHelpFunc(customHelpFunc)

	root.PersistentFlags().StringVar(&cfg.ScenarioPath, "scenario", cfg.ScenarioPath, "Scenario JSON file (default: built-in demo)")
	root.PersistentFlags().StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "Log format: text or json")

	root.AddGroup(&cobra.Group{ID: "simulation", Title: "Simulation:"})
	root.AddGroup(&cobra.Group{ID: "tooling", Title: "CLI & Tooling:"})

	for _, cmd := range []*cobra.Command{newPlanCmd(cfg), newRunCmd(cfg), newValidateCmd(cfg)} {
		cmd.GroupID = "simulation"
		root.AddCommand(cmd)
	}

	root.AddCommand(&cobra.Command{
		Use:     "version",
		Short:   "Print the railsim version",
		Args:    cobra.NoArgs,
		GroupID: "tooling",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	root.SetHelpCommand(&cobra.Command{
		Use:     "help [command]",
		Short:   "Help about any command",
		GroupID: "tooling",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _, err := cmd.Root().Find(args)
			if err != nil || target == nil {
				target = cmd.Root()
			}
			return target.Help()
		},
	})
	return root
}

// customHelpFunc renders help with coloured group titles.
func customHelpFunc(cmd *cobra.Command, args []string) {
	var help strings.Builder

	if cmd.Long != "" {
		help.WriteString(cmd.Long)
		help.WriteString("\n\n")
	} else if cmd.Short != "" {
		help.WriteString(cmd.Short)
		help.WriteString("\n\n")
	}

	help.WriteString(sectionTitleColor.Sprint("Usage:"))
	help.WriteString("\n")
	fmt.Fprintf(&help, "  %s\n\n", cmd.UseLine())

	for _, group := range cmd.Groups() {
		help.WriteString(groupTitleColor.Sprint(group.Title))
		help.WriteString("\n")
		for _, c := range cmd.Commands() {
			if c.GroupID == group.ID && !c.Hidden {
				fmt.Fprintf(&help, "  %-10s %s\n", c.Name(), c.Short)
			}
		}
		help.WriteString("\n")
	}

	if cmd.HasAvailableLocalFlags() || cmd.HasAvailableInheritedFlags() {
		help.WriteString(sectionTitleColor.Sprint("Flags:"))
		help.WriteString("\n")
		help.WriteString(cmd.LocalFlags().FlagUsages())
		help.WriteString(cmd.InheritedFlags().FlagUsages())
		help.WriteString("\n")
	}

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(&help, "Use \"%s [command] --help\" for more information about a command.\n", cmd.CommandPath())
	}
	fmt.Fprint(cmd.OutOrStdout(), help.String())
}

// Execute runs the command tree against os.Args.
func Execute() error {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		PrintError(root.ErrOrStderr(), err.Error())
		return err
	}
	return nil
}
