package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoppm/internal/models"
)

func TestWebsocketStreamsTopic(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	srv := httptest.NewServer(WebsocketHandler(hub, zerolog.Nop()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topic=" + TopicPortfolio
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.SubscriberCount(TopicPortfolio) == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Publish(Update{Topic: PositionTopic("ACME"), Cycle: 1, Position: &models.Position{Instrument: "ACME"}})
	hub.Publish(Update{Topic: TopicPortfolio, Cycle: 2, Portfolio: &models.PortfolioSnapshot{Equity: 101000}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got WireUpdate
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TopicPortfolio, got.Topic)
	assert.Equal(t, uint64(2), got.Cycle)
	require.NotNil(t, got.Portfolio)
	assert.Equal(t, 101000.0, got.Portfolio.Equity)
	assert.Nil(t, got.Position)
}

func TestWebsocketClientCloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	srv := httptest.NewServer(WebsocketHandler(hub, zerolog.Nop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.SubscriberCount(TopicAll) == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.SubscriberCount(TopicAll) == 0 },
		2*time.Second, 10*time.Millisecond)
}
