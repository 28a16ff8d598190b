// Package notify implements the notification channel between the capture
// core and whatever presentation layer is listening.
//
// Core Philosophy: "Drop events, never queue. The viewer loop must not block."
//
// Publish is fire-and-forget and non-blocking: each subscriber owns a
// buffered channel, and when that buffer is full the incoming event is
// dropped for that subscriber only (drop-new backpressure). Events published
// on a single topic from a single producer goroutine arrive in FIFO order;
// no ordering is guaranteed across topics.
package notify

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the capture core.
const (
	TopicDisplay         = "display_image"
	TopicStatus          = "status"
	TopicRecordingStarts = "recording_starts"
	TopicRecordingEnds   = "recording_ends"
	TopicCameraParameter = "camera_parameter"
	TopicAlignment       = "alignment"
	TopicTuning          = "tuning"
)

var (
	ErrChannelClosed      = errors.New("notify: channel closed")
	ErrSubscriberExists   = errors.New("notify: subscriber id already registered")
	ErrSubscriberNotFound = errors.New("notify: subscriber not found")
	ErrNilChannel         = errors.New("notify: subscriber channel is nil")
)

// Event is a single published notification.
type Event struct {
	Topic   string
	Seq     uint64
	Time    time.Time
	Payload any
}

// SubscriberStats tracks delivery metrics for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// ChannelStats is a snapshot of channel-wide delivery metrics.
type ChannelStats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	id     string
	topics map[string]struct{} // empty = all topics
	ch     chan<- Event
	stats  SubscriberStats
}

// Channel distributes events to subscribers without ever blocking a producer.
//
// Thread-safety: all methods are safe for concurrent use from any goroutine.
type Channel struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished atomic.Uint64
	seq            atomic.Uint64
	closed         bool
}

// New creates an empty notification channel.
func New() *Channel {
	return &Channel{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch for the given topics. With no topics the subscriber
// receives every event. The channel should be buffered; a full buffer causes
// events to be dropped for this subscriber, never queued.
func (c *Channel) Subscribe(id string, ch chan<- Event, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := c.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	sub := &subscriber{
		id:     id,
		topics: make(map[string]struct{}, len(topics)),
		ch:     ch,
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	c.subscribers[id] = sub
	return nil
}

// Unsubscribe removes a subscriber. The subscriber's channel is not closed;
// the subscriber owns it.
func (c *Channel) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(c.subscribers, id)
	return nil
}

// Publish delivers an event to every matching subscriber (non-blocking).
// Safe to call from any producer goroutine; events from one producer on one
// topic are delivered FIFO to each subscriber that keeps up.
func (c *Channel) Publish(topic string, payload any) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return
	}

	ev := Event{
		Topic:   topic,
		Seq:     c.seq.Add(1),
		Time:    time.Now(),
		Payload: payload,
	}
	c.totalPublished.Add(1)

	for _, sub := range c.subscribers {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Stats returns a snapshot of delivery metrics.
func (c *Channel) Stats() ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := ChannelStats{
		TotalPublished: c.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(c.subscribers)),
	}
	for id, sub := range c.subscribers {
		s.Subscribers[id] = SubscriberStats{
			Sent:    atomic.LoadUint64(&sub.stats.Sent),
			Dropped: atomic.LoadUint64(&sub.stats.Dropped),
		}
	}
	return s
}

// Close marks the channel closed. Publish becomes a no-op. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscribers = make(map[string]*subscriber)
}
