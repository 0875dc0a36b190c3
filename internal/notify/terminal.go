package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalChannel prints one coloured line per event.
type TerminalChannel struct {
	mu           sync.Mutex
	out          io.Writer
	colorEnabled bool
	bellEnabled  bool
}

// NewTerminalChannel writes to out, or stdout when out is nil.
func NewTerminalChannel(out io.Writer, colorEnabled bool) *TerminalChannel {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalChannel{out: out, colorEnabled: colorEnabled}
}

// SetBellEnabled rings the terminal bell for critical events.
func (t *TerminalChannel) SetBellEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bellEnabled = enabled
}

func (t *TerminalChannel) Name() string    { return "terminal" }
func (t *TerminalChannel) IsEnabled() bool { return true }

func (t *TerminalChannel) Send(_ context.Context, ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := FormatEvent(ev, t.colorEnabled)
	if t.bellEnabled && ev.Severity == SeverityCritical {
		line = "\a" + line
	}
	_, err := fmt.Fprintln(t.out, line)
	return err
}

func kindLabel(k Kind) (string, *color.Color) {
	switch k {
	case KindRiskRejection:
		return "REJECT", color.New(color.FgYellow)
	case KindStrategySuspended:
		return "SUSPEND", color.New(color.FgMagenta)
	case KindBreakerTripped:
		return "BREAKER", color.New(color.FgRed, color.Bold)
	case KindOrderTimedOut:
		return "TIMEOUT", color.New(color.FgYellow)
	case KindOrderFailed:
		return "FAILED", color.New(color.FgRed)
	case KindDataGap:
		return "GAP", color.New(color.FgCyan)
	case KindInstrumentHalted:
		return "HALT", color.New(color.FgRed, color.Bold)
	case KindSlippageAlert:
		return "SLIPPAGE", color.New(color.FgYellow)
	case KindInvariantViolation:
		return "INVARIANT", color.New(color.FgRed, color.Bold)
	}
	return strings.ToUpper(string(k)), color.New(color.FgWhite)
}

// FormatEvent renders an event for the terminal.
func FormatEvent(ev Event, colorEnabled bool) string {
	label, c := kindLabel(ev.Kind)
	if colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}

	var sb strings.Builder
	sb.WriteString(c.Sprintf("[%s] %-9s", ev.Timestamp.Format("2006-01-02 15:04:05"), label))
	if ev.Instrument != "" {
		sb.WriteString(" | " + ev.Instrument)
	}
	if ev.Title != "" {
		sb.WriteString(" | " + ev.Title)
	}
	if ev.Message != "" {
		sb.WriteString(" | " + ev.Message)
	}
	return sb.String()
}
