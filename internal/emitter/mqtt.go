// Package emitter bridges the in-process notification channel to an MQTT
// broker, so remote viewers and dashboards can follow the instrument without
// a direct connection: status, parameter and recording events go out as
// JSON, display frames as msgpack packets throttled to every Nth frame.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/duoscope/internal/config"
	"github.com/e7canasta/duoscope/internal/notify"
)

// busBuffer sizes the subscription; frame events dominate, and the channel
// drops rather than blocks when the broker is slow.
const busBuffer = 32

// event is the JSON envelope for non-frame notifications.
type event struct {
	Topic     string `json:"topic"`
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// MQTTEmitter republishes notification channel events to an MQTT broker.
type MQTTEmitter struct {
	cfg    *config.Config
	bus    *notify.Channel
	Client mqtt.Client // Exported for control plane

	events chan notify.Event
	wg     sync.WaitGroup

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
	frameSeen uint64
}

// NewMQTTEmitter creates an emitter bridging bus to the configured broker.
func NewMQTTEmitter(cfg *config.Config, bus *notify.Channel) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		bus:       bus,
		events:    make(chan notify.Event, busBuffer),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection and subscribes to the
// notification channel.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	if err := e.bus.Subscribe("mqtt-emitter", e.events); err != nil {
		return fmt.Errorf("subscribing emitter to notification channel: %w", err)
	}

	e.wg.Add(1)
	go e.forward(ctx)

	return nil
}

// forward drains the subscription and republishes each event.
func (e *MQTTEmitter) forward(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			var err error
			if ev.Topic == notify.TopicDisplay {
				err = e.publishFrame(ev)
			} else {
				err = e.publishEvent(ev)
			}
			if err != nil {
				e.mu.Lock()
				e.errors++
				e.mu.Unlock()
				slog.Debug("mqtt publish skipped", "topic", ev.Topic, "error", err)
			}
		}
	}
}

// publishFrame forwards every Nth display frame as a msgpack packet.
func (e *MQTTEmitter) publishFrame(ev notify.Event) error {
	e.mu.Lock()
	e.frameSeen++
	skip := e.frameSeen%uint64(e.cfg.MQTT.FrameEvery) != 0
	e.mu.Unlock()
	if skip {
		return nil
	}

	frame, ok := ev.Payload.(notify.DisplayFrame)
	if !ok {
		return fmt.Errorf("display event carries %T, not a frame", ev.Payload)
	}

	payload, err := msgpack.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame packet: %w", err)
	}
	return e.send(e.cfg.MQTT.Topics.Frames, e.qos("frames"), payload)
}

// publishEvent forwards one non-frame event as JSON under
// events/<bus topic>.
func (e *MQTTEmitter) publishEvent(ev notify.Event) error {
	payload, err := json.Marshal(event{
		Topic:     ev.Topic,
		Seq:       ev.Seq,
		Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
		Payload:   ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, ev.Topic)
	return e.send(topic, e.qos("events"), payload)
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.send(e.cfg.MQTT.Topics.Health, e.qos("health"), payload)
}

func (e *MQTTEmitter) send(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect unsubscribes from the notification channel and closes the
// broker connection.
func (e *MQTTEmitter) Disconnect() error {
	if err := e.bus.Unsubscribe("mqtt-emitter"); err == nil {
		close(e.events)
	}
	e.wg.Wait()

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) qos(kind string) byte {
	if q, ok := e.cfg.MQTT.QoS[kind]; ok {
		return q
	}
	return 0
}
