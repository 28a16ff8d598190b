package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the viewer service
type HealthStatus struct {
	Status          string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64   `json:"uptime_seconds"`
	PipelineState   string  `json:"pipeline_state"`
	FrameRate       float64 `json:"frame_rate"`
	IntervalMeanS   float64 `json:"interval_mean_s"`
	IntervalStdDevS float64 `json:"interval_stddev_s"`
	FramesProcessed uint64  `json:"frames_processed"`
	Recording       bool    `json:"recording"`
	MQTTConnected   bool    `json:"mqtt_connected"`
}

// HealthCheck returns the current health status of the service
func (v *Viewer) HealthCheck() HealthStatus {
	v.mu.RLock()
	running := v.isRunning
	uptime := time.Since(v.started)
	v.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(uptime.Seconds()),
		PipelineState: "stopped",
	}

	if running && v.pipe != nil {
		stats := v.pipe.Stats()
		status.PipelineState = stats.State
		status.FrameRate = stats.Rate
		status.IntervalMeanS = stats.IntervalMean
		status.IntervalStdDevS = stats.IntervalStdDev
		status.FramesProcessed = stats.FramesProcessed
		status.Recording = stats.Recording
	}

	if v.emitter != nil && v.emitter.Client != nil && v.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	if !running {
		status.Status = "unhealthy"
	} else if v.cfg.MQTT.Enabled && !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (v *Viewer) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	v.mu.RLock()
	uptime := time.Since(v.started)
	v.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(uptime.Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
func (v *Viewer) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := v.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StartHealthServer starts the HTTP health check server on the given address.
// Runs in a separate goroutine and does not block.
func (v *Viewer) StartHealthServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", v.LivenessHandler)
	mux.HandleFunc("/readiness", v.ReadinessHandler)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
