package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/signalsfoundry/rail-simulator/timectrl"
)

// ElapsedKey is the attribute carrying time since the journal was opened.
const ElapsedKey = "elapsed"

// NewJournal returns the shared simulation log sink. Every unit logs
// through a child of the returned Logger (bound with Unit) and all entries
// funnel through one mutex: the elapsed stamp is read from clock while that
// mutex is held and the record is written before it is released, so stamped
// order is write order and entries never interleave.
func NewJournal(w io.Writer, cfg Config, clock timectrl.Clock) Logger {
	if clock == nil {
		clock = timectrl.RealClock{}
	}
	state := &journalState{clock: clock, start: clock.Now()}
	h := &journalHandler{inner: newHandler(w, cfg), state: state}
	return &slogger{l: slog.New(h)}
}

type journalState struct {
	mu    sync.Mutex
	clock timectrl.Clock
	start time.Time
}

type journalHandler struct {
	inner slog.Handler
	state *journalState
}

func (h *journalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *journalHandler) Handle(ctx context.Context, r slog.Record) error {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	now := h.state.clock.Now()
	stamped := slog.NewRecord(now, r.Level, r.Message, r.PC)
	stamped.AddAttrs(slog.Duration(ElapsedKey, now.Sub(h.state.start)))
	r.Attrs(func(a slog.Attr) bool {
		stamped.AddAttrs(a)
		return true
	})
	return h.inner.Handle(ctx, stamped)
}

func (h *journalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &journalHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

func (h *journalHandler) WithGroup(name string) slog.Handler {
	return &journalHandler{inner: h.inner.WithGroup(name), state: h.state}
}
