// Package stream fans pipeline state out to read-only reporting consumers.
package stream

import (
	"context"
	"sync"
	"time"

	"autoppm/internal/metrics"
	"autoppm/internal/models"
)

// Topics published by the engine. Position topics are per instrument.
const (
	TopicPortfolio = "portfolio"
	TopicAll       = "*"
)

// PositionTopic is the topic carrying one instrument's position.
func PositionTopic(instrument string) string {
	return "position:" + instrument
}

// Update is one published state change. Values are copies; consumers may
// keep them.
type Update struct {
	Topic     string
	Cycle     uint64
	Timestamp time.Time
	Portfolio *models.PortfolioSnapshot
	Metrics   *metrics.Snapshot
	Position  *models.Position
}

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the inbound update buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Hub distributes updates to subscribers. Publishing never blocks the
// pipeline; a subscriber that falls behind loses updates instead.
type Hub struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	updates     chan Update
	done        chan struct{}
	stopped     chan struct{}
	started     bool
	consumers   []Consumer
	consumersMu sync.RWMutex

	metricsMu sync.RWMutex
	received  uint64
	delivered uint64
	dropped   uint64
}

// Subscriber is one channel subscription.
type Subscriber struct {
	ID           string
	Topic        string
	Channel      chan Update
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a hub with the default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a hub.
func NewHubWithConfig(config HubConfig) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub{
		config:      config,
		subscribers: make(map[string][]*Subscriber),
		updates:     make(chan Update, config.BufferSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case u := <-h.updates:
			h.metricsMu.Lock()
			h.received++
			h.metricsMu.Unlock()

			h.broadcast(u)
			h.notifyConsumers(u)
		}
	}
}

// Stop ends distribution and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	close(h.done)
	h.mu.Unlock()

	<-h.stopped

	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, topic)
	}
}

// Subscribe returns a channel receiving updates for topic. TopicAll
// receives every update.
func (h *Hub) Subscribe(topic string) <-chan Update {
	return h.SubscribeWithID(topic, "")
}

// SubscribeWithID subscribes with a caller-chosen id for diagnostics.
func (h *Hub) SubscribeWithID(topic, id string) <-chan Update {
	ch := make(chan Update, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		ID:        id,
		Topic:     topic,
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[topic] = append(h.subscribers[topic], sub)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(topic string, ch <-chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[topic]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[topic]) == 0 {
		delete(h.subscribers, topic)
	}
}

// Publish queues an update. If the inbound buffer is full the update is
// dropped.
func (h *Hub) Publish(u Update) {
	select {
	case h.updates <- u:
	default:
		h.metricsMu.Lock()
		h.dropped++
		h.metricsMu.Unlock()
	}
}

// broadcast holds the read lock while sending so Stop and Unsubscribe
// cannot close a channel mid-send.
func (h *Hub) broadcast(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	deliver := func(subs []*Subscriber) {
		for _, sub := range subs {
			select {
			case sub.Channel <- u:
				h.metricsMu.Lock()
				h.delivered++
				h.metricsMu.Unlock()
			default:
				sub.DroppedCount++
				h.metricsMu.Lock()
				h.dropped++
				h.metricsMu.Unlock()
			}
		}
	}
	deliver(h.subscribers[u.Topic])
	if u.Topic != TopicAll {
		deliver(h.subscribers[TopicAll])
	}
}

// SubscriberCount returns the number of subscribers for topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	Received    uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
	Topics      int
}

// Metrics returns hub counters.
func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	subs := 0
	for _, s := range h.subscribers {
		subs += len(s)
	}
	topics := len(h.subscribers)
	h.mu.RUnlock()

	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()
	return HubMetrics{
		Received:    h.received,
		Delivered:   h.delivered,
		Dropped:     h.dropped,
		Subscribers: subs,
		Topics:      topics,
	}
}

// Consumer receives updates by callback rather than channel.
type Consumer interface {
	OnUpdate(u Update)
	// Topics returns the topics of interest; empty means all.
	Topics() []string
}

// RegisterConsumer adds a consumer.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

// notifyConsumers calls consumers on the broadcast goroutine, in
// registration order, so each consumer sees updates in publish order.
func (h *Hub) notifyConsumers(u Update) {
	h.consumersMu.RLock()
	consumers := make([]Consumer, len(h.consumers))
	copy(consumers, h.consumers)
	h.consumersMu.RUnlock()

	for _, consumer := range consumers {
		topics := consumer.Topics()
		if len(topics) == 0 || containsTopic(topics, u.Topic) {
			consumer.OnUpdate(u)
		}
	}
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	topics   []string
	onUpdate func(Update)
}

// NewConsumerFunc creates a ConsumerFunc.
func NewConsumerFunc(topics []string, onUpdate func(Update)) *ConsumerFunc {
	return &ConsumerFunc{topics: topics, onUpdate: onUpdate}
}

// OnUpdate implements Consumer.
func (c *ConsumerFunc) OnUpdate(u Update) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}

// Topics implements Consumer.
func (c *ConsumerFunc) Topics() []string {
	return c.topics
}
