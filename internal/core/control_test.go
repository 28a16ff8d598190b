package core

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/duoscope/internal/config"
	"github.com/e7canasta/duoscope/internal/library"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

// fakeClient satisfies the broker client interface and records publishes.
type fakeClient struct {
	mu        sync.Mutex
	published []published
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() mqtt.Token     { return fakeToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return fakeToken{} }

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (c *fakeClient) lastPublished(t *testing.T) published {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.published) == 0 {
		t.Fatal("nothing published")
	}
	return c.published[len(c.published)-1]
}

type fakeMessage struct {
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "duoscope/control/test" }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func controlTestConfig() *config.Config {
	cfg := testConfig()
	cfg.MQTT.Topics = config.MQTTTopics{
		Control: "duoscope/control/test",
		Events:  "duoscope/events/test",
		Frames:  "duoscope/frames/test",
		Health:  "duoscope/health/test",
	}
	cfg.MQTT.QoS = map[string]byte{"control": 1, "health": 1}
	return cfg
}

// A message still in flight on the broker's router goroutine must be dropped
// after Stop, never sent into the closed queue.
func TestHandlerDropsMessagesAfterStop(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(controlTestConfig(), client, CommandCallbacks{})

	msg := &fakeMessage{payload: []byte(`{"command":"pause"}`)}
	h.messageHandler(client, msg)
	if len(h.commands) != 1 {
		t.Fatalf("expected 1 queued command before stop, got %d", len(h.commands))
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Must neither panic nor enqueue.
	h.messageHandler(client, msg)

	// Stop again; must stay idempotent.
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestListRecordingsCommand(t *testing.T) {
	client := &fakeClient{}
	now := time.Now()
	callbacks := CommandCallbacks{
		OnListRecordings: func(limit int) ([]library.Recording, error) {
			return []library.Recording{
				{ID: "abc", Path: "/tmp/abc.avi", Frames: 42, Width: 64, Height: 48,
					StartedAt: now.Add(-time.Minute), EndedAt: now, Clean: true},
			}, nil
		},
	}
	h := NewHandler(controlTestConfig(), client, callbacks)

	h.handleCommand(Command{Command: "list_recordings", Params: map[string]interface{}{"limit": float64(5)}})

	pub := client.lastPublished(t)
	if pub.topic != "duoscope/health/test" {
		t.Errorf("response on wrong topic: %s", pub.topic)
	}

	var resp Response
	if err := json.Unmarshal(pub.payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "success" || resp.CommandAck != "list_recordings" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if count := resp.Data["count"].(float64); count != 1 {
		t.Errorf("expected count 1, got %v", count)
	}
	items := resp.Data["recordings"].([]interface{})
	first := items[0].(map[string]interface{})
	if first["artifact_id"].(string) != "abc" {
		t.Errorf("expected artifact abc, got %v", first["artifact_id"])
	}
	if !first["clean"].(bool) {
		t.Error("expected clean artifact")
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(controlTestConfig(), client, CommandCallbacks{})

	h.handleCommand(Command{Command: "self_destruct"})

	var resp Response
	if err := json.Unmarshal(client.lastPublished(t).payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "error" || resp.Error == "" {
		t.Errorf("expected error response, got %+v", resp)
	}
}
