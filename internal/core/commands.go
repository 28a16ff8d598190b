package core

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/duoscope/internal/library"
	"github.com/e7canasta/duoscope/internal/pipeline"
)

// The command surface. Every method here is safe to call from any goroutine;
// the same methods back both the MQTT control plane and an embedding UI.

// Pause suspends the processing loop; it returns once the loop has parked.
// Frame acquisition and the controllers keep running.
func (v *Viewer) Pause() error { return v.pipe.Pause() }

// Resume restarts a paused processing loop.
func (v *Viewer) Resume() error { return v.pipe.Resume() }

// ZoomIn applies one zoom step and returns the zoom now in effect.
func (v *Viewer) ZoomIn() float64 { return v.transform.ZoomIn() }

// ZoomOut applies one zoom step and returns the zoom now in effect.
func (v *Viewer) ZoomOut() float64 { return v.transform.ZoomOut() }

// SetOffset writes the alignment offset directly; out-of-bound values reset
// it to zero and report false, same as the alignment loop's own writes.
func (v *Viewer) SetOffset(x, y int) bool { return v.transform.SetOffset(x, y) }

// SetDisplaySize reconfigures the composite output geometry. The pipeline is
// paused around the change so no frame is composited against a half-updated
// transform.
func (v *Viewer) SetDisplaySize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("display size must be positive, got %dx%d", width, height)
	}
	if width%2 != 0 {
		return fmt.Errorf("display width must be even, got %d", width)
	}

	paused := v.pipe.Pause() == nil
	v.transform.SetDisplaySize(width, height)
	if paused {
		if err := v.pipe.Resume(); err != nil {
			return err
		}
	}
	slog.Info("display size updated", "width", width, "height", height)
	return nil
}

// ToggleDepth flips the disparity visual on or off and reports the new state.
func (v *Viewer) ToggleDepth() bool { return v.depth.Toggle() }

// ApplyDepthParameters validates and applies new block-matching parameters.
// The window is checked against the current half-display geometry, the
// surface the matcher actually runs on.
func (v *Viewer) ApplyDepthParameters(ndisparities, sadWindowSize int) error {
	ts := v.transform.Snapshot()
	minDim := min(ts.DisplayWidth/2, ts.DisplayHeight)
	return v.depth.Apply(ndisparities, sadWindowSize, minDim)
}

// ToggleRecording switches recording on or off and reports whether it is
// active afterwards.
func (v *Viewer) ToggleRecording() (bool, error) { return v.pipe.ToggleRecording() }

// TakeSnapshot saves the most recent display frame as a JPEG and returns its
// path.
func (v *Viewer) TakeSnapshot() (string, error) { return v.pipe.Snapshot() }

// ListRecordings returns up to n registered recording artifacts, newest
// first. n defaults to 10 when not positive.
func (v *Viewer) ListRecordings(n int) ([]library.Recording, error) {
	if v.lib == nil {
		return nil, fmt.Errorf("recordings library not open")
	}
	if n <= 0 {
		n = 10
	}
	return v.lib.Recent(n)
}

// ApplyCameraParameters pushes a parameter delta to one side's device.
// "R" and "L" select the side; each parameter succeeds or fails on its own.
func (v *Viewer) ApplyCameraParameters(side string, parameters map[string]float64) (map[string]error, error) {
	switch side {
	case "R":
		return v.right.ApplyParameters(parameters), nil
	case "L":
		return v.left.ApplyParameters(parameters), nil
	default:
		return nil, fmt.Errorf("unknown camera side %q (expected R or L)", side)
	}
}

// SetAutoHorizontal enables or disables continuous horizontal alignment
// correction.
func (v *Viewer) SetAutoHorizontal(enabled bool) {
	v.aligner.SetHorizontal(enabled)
}

// Status assembles the state snapshot served to get_status and readiness.
// Safe to call before Run has wired the pipeline and controllers.
func (v *Viewer) Status() map[string]interface{} {
	stats := pipeline.Stats{State: pipeline.StateStopped.String()}
	if v.pipe != nil {
		stats = v.pipe.Stats()
	}
	horizontal := false
	if v.aligner != nil {
		horizontal = v.aligner.Horizontal()
	}
	ts := v.transform.Snapshot()
	ds := v.depth.Snapshot()

	v.mu.RLock()
	uptime := time.Since(v.started)
	v.mu.RUnlock()

	return map[string]interface{}{
		"instance_id":    v.cfg.InstanceID,
		"uptime_seconds": int64(uptime.Seconds()),
		"pipeline": map[string]interface{}{
			"state":             stats.State,
			"rate_fps":          stats.Rate,
			"interval_mean_s":   stats.IntervalMean,
			"interval_stddev_s": stats.IntervalStdDev,
			"frames_processed":  stats.FramesProcessed,
			"recording":         stats.Recording,
		},
		"transform": map[string]interface{}{
			"offset_x":       ts.OffsetX,
			"offset_y":       ts.OffsetY,
			"zoom":           ts.Zoom,
			"display_width":  ts.DisplayWidth,
			"display_height": ts.DisplayHeight,
		},
		"depth": map[string]interface{}{
			"enabled":         ds.Enabled,
			"ndisparities":    ds.NDisparities,
			"sad_window_size": ds.SADWindowSize,
		},
		"alignment_horizontal": horizontal,
	}
}

// shutdownViaControl cancels the run context; main's shutdown path takes it
// from there.
func (v *Viewer) shutdownViaControl() error {
	v.mu.RLock()
	cancel := v.cancelCtx
	v.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service not running")
	}
	cancel()
	return nil
}

// callbacks binds the control plane to the command surface.
func (v *Viewer) callbacks() CommandCallbacks {
	return CommandCallbacks{
		OnGetStatus:           v.Status,
		OnPause:               v.Pause,
		OnResume:              v.Resume,
		OnZoomIn:              v.ZoomIn,
		OnZoomOut:             v.ZoomOut,
		OnSetOffset:           v.SetOffset,
		OnSetDisplaySize:      v.SetDisplaySize,
		OnToggleDepth:         v.ToggleDepth,
		OnSetDepthParameters:  v.ApplyDepthParameters,
		OnToggleRecording:     v.ToggleRecording,
		OnSnapshot:            v.TakeSnapshot,
		OnListRecordings:      v.ListRecordings,
		OnSetCameraParameters: v.ApplyCameraParameters,
		OnSetAutoHorizontal:   v.SetAutoHorizontal,
		OnShutdown:            v.shutdownViaControl,
	}
}
