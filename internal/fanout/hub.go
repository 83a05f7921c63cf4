// Package fanout delivers accepted samples to live subscribers.
//
// Delivery is best effort: each subscriber owns a buffered channel and a
// publish never waits for it. When the channel is full the sample is
// dropped for that subscriber only. There is no replay; a subscriber
// sees samples published after it subscribed.
package fanout

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("fanout")

const (
	// TopicPrefix prefixes every per-device topic.
	TopicPrefix = "metrics/"

	// AllDevices is the wildcard topic receiving every device's samples.
	AllDevices = TopicPrefix + "*"
)

// DeviceTopic returns the topic name for a device.
func DeviceTopic(deviceID string) string {
	return TopicPrefix + deviceID
}

// DeviceFromTopic returns the device id of a per-device topic.
func DeviceFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, TopicPrefix)
	if !ok || id == "" || id == "*" {
		return "", false
	}
	return id, true
}

// ValidTopic reports whether topic can be subscribed to.
func ValidTopic(topic string) bool {
	if topic == AllDevices {
		return true
	}
	_, ok := DeviceFromTopic(topic)
	return ok
}

// Stats holds hub-wide counters.
type Stats struct {
	Published atomic.Int64 // Publish calls
	Delivered atomic.Int64 // per-subscriber deliveries
	Dropped   atomic.Int64 // per-subscriber drops on a full buffer
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Hub routes samples from publishers to topic subscribers.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool

	defaultBuffer int
	stats         Stats
}

// NewHub creates a hub. A non-positive defaultBuffer uses
// config.DefaultSubscriberBuffer.
func NewHub(defaultBuffer int) *Hub {
	if defaultBuffer <= 0 {
		defaultBuffer = config.DefaultSubscriberBuffer
	}
	return &Hub{
		topics:        make(map[string]map[*Subscription]struct{}),
		defaultBuffer: defaultBuffer,
	}
}

// Publish offers sample to every subscriber of topic and of the
// wildcard topic. It never blocks and returns how many subscribers
// received the sample.
func (h *Hub) Publish(topic string, sample types.Sample) int {
	h.stats.Published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}

	delivered := h.offer(h.topics[topic], sample)
	if topic != AllDevices {
		delivered += h.offer(h.topics[AllDevices], sample)
	}
	return delivered
}

// PublishSample publishes to the sample's device topic.
func (h *Hub) PublishSample(sample types.Sample) int {
	return h.Publish(DeviceTopic(sample.DeviceID), sample)
}

// offer must be called with h.mu held for reading.
func (h *Hub) offer(subs map[*Subscription]struct{}, sample types.Sample) int {
	n := 0
	for sub := range subs {
		select {
		case sub.ch <- sample:
			n++
			h.stats.Delivered.Add(1)
		default:
			// Slow subscriber.
			sub.dropped.Add(1)
			h.stats.Dropped.Add(1)
		}
	}
	return n
}

// Subscribe registers a subscriber for topic. A non-positive buffer uses
// the hub default. Subscribing to a closed hub returns a subscription
// whose channel is already closed.
func (h *Hub) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.defaultBuffer
	}
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		ch:    make(chan types.Sample, buffer),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}

	log.Debug("subscribed", "topic", topic, "subscription", sub.ID, "buffer", buffer)
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true

	if subs := h.topics[sub.Topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.Topic)
		}
	}
	close(sub.ch)
	log.Debug("unsubscribed", "topic", sub.Topic, "subscription", sub.ID, "dropped", sub.dropped.Load())
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.topics {
		for sub := range subs {
			sub.closed = true
			close(sub.ch)
		}
	}
	h.topics = make(map[string]map[*Subscription]struct{})
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// Topics returns the topics with at least one subscriber.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() StatsSnapshot {
	return StatsSnapshot{
		Published:   h.stats.Published.Load(),
		Delivered:   h.stats.Delivered.Load(),
		Dropped:     h.stats.Dropped.Load(),
		Subscribers: h.Subscribers(),
	}
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	ID    string
	Topic string

	ch      chan types.Sample
	hub     *Hub
	dropped atomic.Int64

	// closed is guarded by hub.mu.
	closed bool
}

// C returns the delivery channel. It is closed by Close or when the hub
// closes.
func (s *Subscription) C() <-chan types.Sample {
	return s.ch
}

// Dropped returns how many samples this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}
