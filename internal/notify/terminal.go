package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"signal-trader/internal/models"
)

// TerminalSink prints events as colored lines.
type TerminalSink struct {
	mu  sync.Mutex
	out io.Writer

	fill    *color.Color
	partial *color.Color
	failure *color.Color
	warn    *color.Color
	info    *color.Color
	dim     *color.Color
}

// NewTerminalSink creates a TerminalSink writing to out, or stdout when out is nil.
func NewTerminalSink(out io.Writer) *TerminalSink {
	if out == nil {
		out = color.Output
	}
	return &TerminalSink{
		out:     out,
		fill:    color.New(color.FgGreen, color.Bold),
		partial: color.New(color.FgCyan),
		failure: color.New(color.FgRed, color.Bold),
		warn:    color.New(color.FgYellow),
		info:    color.New(color.FgWhite),
		dim:     color.New(color.Faint),
	}
}

// Name returns the name of the sink.
func (t *TerminalSink) Name() string {
	return "terminal"
}

// Publish writes one line for ev.
func (t *TerminalSink) Publish(_ context.Context, ev models.LifecycleEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := fmt.Fprintf(t.out, "%s %s %s\n",
		t.dim.Sprint(ev.Timestamp.Format("15:04:05")),
		t.colorFor(ev.To).Sprintf("%-16s", ev.To),
		Title(ev))
	return err
}

func (t *TerminalSink) colorFor(s models.OrderStatus) *color.Color {
	switch s {
	case models.StatusFilled:
		return t.fill
	case models.StatusPartiallyFilled:
		return t.partial
	case models.StatusRejected:
		return t.failure
	case models.StatusUnknownPending, models.StatusExpired, models.StatusCancelled:
		return t.warn
	default:
		return t.info
	}
}
