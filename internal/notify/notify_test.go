package notify

import (
	"testing"
	"time"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	c := New()
	defer c.Close()

	ch := make(chan Event, 10)
	if err := c.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	c.Publish(TopicStatus, StatusText{Text: "hello"})

	select {
	case ev := <-ch:
		if ev.Topic != TopicStatus {
			t.Errorf("Expected topic %q, got %q", TopicStatus, ev.Topic)
		}
		if ev.Payload.(StatusText).Text != "hello" {
			t.Errorf("Unexpected payload: %v", ev.Payload)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies Publish never blocks.
func TestNonBlockingPublish(t *testing.T) {
	c := New()
	defer c.Close()

	// Subscribe with buffer=1
	ch := make(chan Event, 1)
	c.Subscribe("slow", ch)

	done := make(chan bool)
	go func() {
		c.Publish(TopicStatus, StatusText{Text: "one"}) // Should succeed
		c.Publish(TopicStatus, StatusText{Text: "two"}) // Should drop (buffer full)
		done <- true
	}()

	select {
	case <-done:
		// Success - Publish completed without blocking
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	received := <-ch
	if received.Payload.(StatusText).Text != "one" {
		t.Errorf("Expected first event, got %v", received.Payload)
	}

	stats := c.Stats()
	sub := stats.Subscribers["slow"]
	if sub.Sent != 1 {
		t.Errorf("Expected 1 sent, got %d", sub.Sent)
	}
	if sub.Dropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", sub.Dropped)
	}
}

// TestTopicFilter verifies subscribers only receive their topics.
func TestTopicFilter(t *testing.T) {
	c := New()
	defer c.Close()

	ch := make(chan Event, 10)
	c.Subscribe("status-only", ch, TopicStatus)

	c.Publish(TopicDisplay, DisplayFrame{Seq: 1})
	c.Publish(TopicStatus, StatusText{Text: "ok"})

	ev := <-ch
	if ev.Topic != TopicStatus {
		t.Errorf("Expected only %q events, got %q", TopicStatus, ev.Topic)
	}
	select {
	case ev := <-ch:
		t.Errorf("Unexpected second event: %v", ev.Topic)
	default:
	}
}

// TestOrderingSingleTopic verifies FIFO delivery from one producer.
func TestOrderingSingleTopic(t *testing.T) {
	c := New()
	defer c.Close()

	ch := make(chan Event, 100)
	c.Subscribe("ordered", ch)

	for i := 1; i <= 50; i++ {
		c.Publish(TopicDisplay, DisplayFrame{Seq: uint64(i)})
	}

	for i := 1; i <= 50; i++ {
		ev := <-ch
		if got := ev.Payload.(DisplayFrame).Seq; got != uint64(i) {
			t.Fatalf("Out of order: expected seq %d, got %d", i, got)
		}
	}
}

// TestDuplicateSubscriber verifies id uniqueness.
func TestDuplicateSubscriber(t *testing.T) {
	c := New()
	defer c.Close()

	ch := make(chan Event, 1)
	if err := c.Subscribe("dup", ch); err != nil {
		t.Fatalf("First Subscribe failed: %v", err)
	}
	if err := c.Subscribe("dup", ch); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
}

// TestUnsubscribe verifies removal stops delivery.
func TestUnsubscribe(t *testing.T) {
	c := New()
	defer c.Close()

	ch := make(chan Event, 10)
	c.Subscribe("leaver", ch)

	if err := c.Unsubscribe("leaver"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := c.Unsubscribe("leaver"); err != ErrSubscriberNotFound {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}

	c.Publish(TopicStatus, StatusText{Text: "gone"})
	select {
	case ev := <-ch:
		t.Errorf("Received event after unsubscribe: %v", ev.Topic)
	default:
	}
}

// TestPublishAfterClose verifies Close makes Publish a no-op.
func TestPublishAfterClose(t *testing.T) {
	c := New()

	ch := make(chan Event, 10)
	c.Subscribe("late", ch)
	c.Close()

	c.Publish(TopicStatus, StatusText{Text: "dead letter"})
	select {
	case ev := <-ch:
		t.Errorf("Received event after close: %v", ev.Topic)
	default:
	}

	if err := c.Subscribe("later", ch); err != ErrChannelClosed {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}
