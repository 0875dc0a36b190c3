package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoppm/internal/config"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *collector) Name() string    { return "collector" }
func (c *collector) IsEnabled() bool { return true }

func (c *collector) Send(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *collector) kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Kind
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(config.NotificationConfig{QueueSize: 8}, zerolog.Nop())
	c := &collector{}
	d.AddChannel(c)
	d.Start(context.Background())

	d.Notify(Event{Kind: KindRiskRejection, Instrument: "ACME", Message: "exposure"})
	d.Notify(Event{Kind: KindBreakerTripped, Message: "25% drawdown"})
	d.Stop()

	assert.Equal(t, []Kind{KindRiskRejection, KindBreakerTripped}, c.kinds())
	assert.Equal(t, SeverityCritical, c.events[1].Severity)
	assert.False(t, c.events[0].Timestamp.IsZero())
	assert.Equal(t, uint64(2), d.Stats().Sent)
}

func TestDispatcherNeverBlocks(t *testing.T) {
	d := NewDispatcher(config.NotificationConfig{QueueSize: 2}, zerolog.Nop())
	c := &collector{}
	d.AddChannel(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Notify(Event{Kind: KindDataGap, Message: string(rune('a' + i))})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	d.Stop()
	require.Len(t, c.events, 2)
	assert.Equal(t, "d", c.events[0].Message, "oldest events are dropped first")
	assert.Equal(t, uint64(3), d.Stats().Dropped)
}

func TestSeverityFilterAndFailures(t *testing.T) {
	d := NewDispatcher(config.NotificationConfig{MinSeverity: "warning"}, zerolog.Nop())
	c := &collector{err: errors.New("down")}
	d.AddChannel(c)

	d.Notify(Event{Kind: KindRiskRejection})
	d.Notify(Event{Kind: KindOrderTimedOut})
	d.Stop()

	assert.Equal(t, []Kind{KindOrderTimedOut}, c.kinds())
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestWebhookChannel(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(config.WebhookConfig{Enabled: true, URL: srv.URL})
	err := ch.Send(context.Background(), Event{Kind: KindOrderFailed, Severity: SeverityCritical, Instrument: "ACME", Message: "circuit open", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "OrderFailed", got["kind"])
	assert.Equal(t, "critical", got["severity"])

	bad := NewWebhookChannel(config.WebhookConfig{Enabled: true, URL: srv.URL + "/missing"})
	assert.Error(t, bad.Send(context.Background(), Event{Kind: KindDataGap}))

	assert.False(t, NewWebhookChannel(config.WebhookConfig{Enabled: true}).IsEnabled())
}

func TestTerminalChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewTerminalChannel(&buf, false)
	ts := time.Date(2024, 6, 3, 15, 4, 5, 0, time.UTC)

	require.NoError(t, ch.Send(context.Background(), Event{Kind: KindInstrumentHalted, Instrument: "ACME", Title: "halted", Message: "fill without order", Timestamp: ts}))
	assert.Equal(t, "[2024-06-03 15:04:05] HALT      | ACME | halted | fill without order\n", buf.String())
}
