package cli

import (
	"fmt"

	"github.com/signalsfoundry/rail-simulator/internal/config"
	"github.com/spf13/cobra"
)

func newValidateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario file without running it",
		Long: `Validate decodes the scenario, registers every station and section, and
resolves each train route, reporting the first problem found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWorld(cfg)
			if err != nil {
				return fmt.Errorf("invalid scenario: %w", err)
			}
			out := cmd.OutOrStdout()
			PrintSuccess(out, fmt.Sprintf("%s is valid", w.Source))
			PrintLabelValue(out, "stations", fmt.Sprint(len(w.KB.ListStations())))
			PrintLabelValue(out, "sections", fmt.Sprint(len(w.KB.ListSections())))
			PrintLabelValue(out, "trains", fmt.Sprint(len(w.Trains)))

			routes := make([]string, 0, len(w.Trains))
			for _, t := range w.Trains {
				routes = append(routes, fmt.Sprintf("%s: %s (%s nominal)", t.ID, t.Route, formatOffset(t.Route.Duration())))
			}
			PrintList(out, routes, 1)
			return nil
		},
	}
}
