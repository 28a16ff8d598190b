package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/duoscope/internal/config"
	"github.com/e7canasta/duoscope/internal/library"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus           func() map[string]interface{}
	OnPause               func() error
	OnResume              func() error
	OnZoomIn              func() float64
	OnZoomOut             func() float64
	OnSetOffset           func(x, y int) bool
	OnSetDisplaySize      func(width, height int) error
	OnToggleDepth         func() bool
	OnSetDepthParameters  func(ndisparities, sadWindowSize int) error
	OnToggleRecording     func() (bool, error)
	OnSnapshot            func() (string, error)
	OnListRecordings      func(limit int) ([]library.Recording, error)
	OnSetCameraParameters func(side string, params map[string]float64) (map[string]error, error)
	OnSetAutoHorizontal   func(enabled bool)
	OnShutdown            func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks

	// queueMu serializes enqueueing against Stop; paho's router can still be
	// delivering a message while Stop runs.
	queueMu sync.Mutex
	closed  bool
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	h.queueMu.Lock()
	if !h.closed {
		h.closed = true
		close(h.commands)
	}
	h.queueMu.Unlock()

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	if h.closed {
		slog.Debug("handler stopped, dropping command", "command", cmd.Command)
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "get_status":
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "pause":
		if err := h.callbacks.OnPause(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{"pipeline_active": false}
		}

	case "resume":
		if err := h.callbacks.OnResume(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{"pipeline_active": true}
		}

	case "zoom_in":
		resp.Status = "success"
		resp.Data = map[string]interface{}{"zoom": h.callbacks.OnZoomIn()}

	case "zoom_out":
		resp.Status = "success"
		resp.Data = map[string]interface{}{"zoom": h.callbacks.OnZoomOut()}

	case "set_offset":
		x, okX := intParam(cmd.Params, "x")
		y, okY := intParam(cmd.Params, "y")
		if !okX || !okY {
			resp.Status = "error"
			resp.Error = "missing or invalid 'x'/'y' parameters (expected integers)"
		} else {
			applied := h.callbacks.OnSetOffset(x, y)
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"applied": applied,
				"x":       x,
				"y":       y,
			}
			if !applied {
				resp.Data["message"] = "offset out of range, reset to (0, 0)"
			}
		}

	case "set_display_size":
		width, okW := intParam(cmd.Params, "width")
		height, okH := intParam(cmd.Params, "height")
		if !okW || !okH {
			resp.Status = "error"
			resp.Error = "missing or invalid 'width'/'height' parameters (expected integers)"
		} else if err := h.callbacks.OnSetDisplaySize(width, height); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{"width": width, "height": height}
		}

	case "toggle_depth":
		resp.Status = "success"
		resp.Data = map[string]interface{}{"depth_enabled": h.callbacks.OnToggleDepth()}

	case "set_depth_parameters":
		nd, okN := intParam(cmd.Params, "ndisparities")
		win, okW := intParam(cmd.Params, "sad_window_size")
		if !okN || !okW {
			resp.Status = "error"
			resp.Error = "missing or invalid 'ndisparities'/'sad_window_size' parameters (expected integers)"
		} else if err := h.callbacks.OnSetDepthParameters(nd, win); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"ndisparities":    nd,
				"sad_window_size": win,
			}
		}

	case "toggle_recording":
		active, err := h.callbacks.OnToggleRecording()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{"recording": active}
		}

	case "snapshot":
		path, err := h.callbacks.OnSnapshot()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{"path": path}
		}

	case "list_recordings":
		limit, _ := intParam(cmd.Params, "limit") // optional, callback defaults it
		recordings, err := h.callbacks.OnListRecordings(limit)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			items := make([]map[string]interface{}, 0, len(recordings))
			for _, rec := range recordings {
				items = append(items, map[string]interface{}{
					"artifact_id": rec.ID,
					"path":        rec.Path,
					"frames":      rec.Frames,
					"width":       rec.Width,
					"height":      rec.Height,
					"started_at":  rec.StartedAt.UTC().Format(time.RFC3339),
					"ended_at":    rec.EndedAt.UTC().Format(time.RFC3339),
					"clean":       rec.Clean,
				})
			}
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"count":      len(items),
				"recordings": items,
			}
		}

	case "set_camera_parameters":
		side, okS := cmd.Params["side"].(string)
		raw, okP := cmd.Params["parameters"].(map[string]interface{})
		if !okS || !okP {
			resp.Status = "error"
			resp.Error = "missing or invalid 'side'/'parameters' (expected string and object of numbers)"
		} else {
			parameters := make(map[string]float64, len(raw))
			for name, value := range raw {
				f, ok := value.(float64)
				if !ok {
					resp.Status = "error"
					resp.Error = fmt.Sprintf("parameter %q is not a number", name)
					break
				}
				parameters[name] = f
			}
			if resp.Status != "error" {
				results, err := h.callbacks.OnSetCameraParameters(side, parameters)
				if err != nil {
					resp.Status = "error"
					resp.Error = err.Error()
				} else {
					applied := map[string]interface{}{}
					for name, perr := range results {
						if perr == nil {
							applied[name] = "ok"
						} else {
							applied[name] = perr.Error()
						}
					}
					resp.Status = "success"
					resp.Data = map[string]interface{}{
						"side":    side,
						"results": applied,
					}
				}
			}
		}

	case "set_auto_horizontal":
		enabled, ok := cmd.Params["enabled"].(bool)
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'enabled' parameter (expected bool)"
		} else {
			h.callbacks.OnSetAutoHorizontal(enabled)
			resp.Status = "success"
			resp.Data = map[string]interface{}{"auto_horizontal": enabled}
		}

	case "shutdown":
		slog.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		// Send response BEFORE triggering shutdown
		h.sendResponse(resp)

		go func() {
			time.Sleep(500 * time.Millisecond) // Brief delay to ensure response is sent
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}()
		return // Don't send response again

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// intParam extracts an integer-valued parameter; JSON numbers arrive as
// float64.
func intParam(params map[string]interface{}, name string) (int, bool) {
	f, ok := params[name].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// sendResponse sends a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
