// Package core wires the viewer together: two frame sources, the shared
// parameter blocks, the processing pipeline, the alignment and tuning
// controllers, the recordings library and the MQTT surfaces. It owns startup
// and shutdown ordering; everything else is delegated.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/e7canasta/duoscope/internal/align"
	"github.com/e7canasta/duoscope/internal/config"
	"github.com/e7canasta/duoscope/internal/emitter"
	"github.com/e7canasta/duoscope/internal/library"
	"github.com/e7canasta/duoscope/internal/notify"
	"github.com/e7canasta/duoscope/internal/params"
	"github.com/e7canasta/duoscope/internal/pipeline"
	"github.com/e7canasta/duoscope/internal/source"
	"github.com/e7canasta/duoscope/internal/tune"
)

// Viewer is the main service orchestrator
type Viewer struct {
	cfg *config.Config

	// Core components
	bus       *notify.Channel
	transform *params.Transform
	depth     *params.Depth
	right     *source.Source
	left      *source.Source
	pipe      *pipeline.Pipeline
	aligner   *align.Controller
	tuner     *tune.Controller
	lib       *library.Library
	emitter   *emitter.MQTTEmitter
	control   *Handler

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// NewViewer creates a viewer from a configuration file
func NewViewer(configPath string) (*Viewer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg)
}

// New creates a viewer from an already-validated configuration
func New(cfg *config.Config) (*Viewer, error) {
	depth, err := params.NewDepth(cfg.Depth.NDisparities, cfg.Depth.SADWindowSize)
	if err != nil {
		return nil, fmt.Errorf("invalid depth parameters: %w", err)
	}
	depth.SetEnabled(cfg.Depth.Enabled)

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"display", fmt.Sprintf("%dx%d", cfg.Display.Width, cfg.Display.Height),
		"frame_rate", cfg.Display.FrameRate,
	)

	return &Viewer{
		cfg:       cfg,
		bus:       notify.New(),
		transform: params.NewTransform(cfg.Display.Width, cfg.Display.Height),
		depth:     depth,
	}, nil
}

// Bus exposes the notification channel so embedders (a local UI, tests) can
// subscribe alongside the MQTT emitter.
func (v *Viewer) Bus() *notify.Channel { return v.bus }

// HealthAddr returns the configured health endpoint address; empty disables
// the endpoint.
func (v *Viewer) HealthAddr() string { return v.cfg.Health.Addr }

// ShutdownTimeout returns the configured graceful shutdown window
func (v *Viewer) ShutdownTimeout() time.Duration {
	return time.Duration(v.cfg.ShutdownTimeoutS) * time.Second
}

// Run starts the viewer and blocks until the context is cancelled
func (v *Viewer) Run(ctx context.Context) error {
	v.mu.Lock()
	if v.isRunning {
		v.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	v.isRunning = true
	v.started = time.Now()
	v.mu.Unlock()

	// Cancellable context for the MQTT shutdown command
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	v.mu.Lock()
	v.cancelCtx = cancel
	v.mu.Unlock()

	slog.Info("duoscope service starting", "instance_id", v.cfg.InstanceID)

	for _, dir := range []string{v.cfg.Recording.Dir, v.cfg.Recording.SnapshotDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	lib, err := library.Open(v.cfg.Recording.LibraryPath)
	if err != nil {
		return fmt.Errorf("failed to open recordings library: %w", err)
	}
	v.lib = lib

	// Frame sources: an absent camera degrades to placeholder frames, so
	// startup never fails on missing hardware.
	v.right = source.Open(source.Config{
		Side:     "R",
		DeviceID: v.cfg.Cameras.Right.DeviceID,
		Rotation: v.cfg.Cameras.Right.Rotation,
		Width:    v.cfg.Cameras.Right.Width,
		Height:   v.cfg.Cameras.Right.Height,
	}, v.bus)
	v.left = source.Open(source.Config{
		Side:     "L",
		DeviceID: v.cfg.Cameras.Left.DeviceID,
		Rotation: v.cfg.Cameras.Left.Rotation,
		Width:    v.cfg.Cameras.Left.Width,
		Height:   v.cfg.Cameras.Left.Height,
	}, v.bus)

	if err := v.right.Start(ctx); err != nil {
		return fmt.Errorf("failed to start right source: %w", err)
	}
	if err := v.left.Start(ctx); err != nil {
		return fmt.Errorf("failed to start left source: %w", err)
	}

	v.pipe = pipeline.New(pipeline.Config{
		FrameRate:    v.cfg.Display.FrameRate,
		Codec:        v.cfg.Recording.Codec,
		RecordingDir: v.cfg.Recording.Dir,
		SnapshotDir:  v.cfg.Recording.SnapshotDir,
	}, pipeline.Deps{
		Right:     v.right,
		Left:      v.left,
		Transform: v.transform,
		Depth:     v.depth,
		Notify:    v.bus,
		Library:   v.lib,
	})
	if err := v.pipe.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	// Alignment: one full (vertical + horizontal) pass at startup, then the
	// continuous loop with the configured horizontal policy.
	v.aligner = align.New(v.right, v.left, v.transform, v.bus,
		time.Duration(v.cfg.Alignment.PeriodS*float64(time.Second)))
	v.aligner.SetHorizontal(v.cfg.Alignment.Horizontal)
	if err := v.aligner.Align(true); err != nil {
		slog.Warn("initial alignment skipped", "error", err)
	}
	if v.cfg.Alignment.Enabled {
		if err := v.aligner.Start(ctx); err != nil {
			return fmt.Errorf("failed to start alignment controller: %w", err)
		}
	}

	// Brightness tuning runs against the right camera; the matched pair
	// follows through the shared device parameter surface.
	if v.cfg.Tuning.Enabled {
		tcfg := tune.DefaultConfig()
		tcfg.Goal = v.cfg.Tuning.Goal
		tcfg.Tolerance = v.cfg.Tuning.Tolerance
		tcfg.LearnRate = v.cfg.Tuning.LearnRate
		tcfg.GainMin = v.cfg.Tuning.GainMin
		tcfg.GainMax = v.cfg.Tuning.GainMax
		tcfg.ExposureMin = v.cfg.Tuning.ExposureMin
		tcfg.ExposureMax = v.cfg.Tuning.ExposureMax
		v.tuner = tune.New(v.right, tcfg, v.bus)
		if err := v.tuner.Start(ctx); err != nil {
			return fmt.Errorf("failed to start tuning controller: %w", err)
		}
	}

	if v.cfg.MQTT.Enabled {
		v.emitter = emitter.NewMQTTEmitter(v.cfg, v.bus)
		if err := v.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		v.control = NewHandler(v.cfg, v.emitter.Client, v.callbacks())
		if err := v.control.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	slog.Info("duoscope service running",
		"alignment", v.cfg.Alignment.Enabled,
		"tuning", v.cfg.Tuning.Enabled,
		"mqtt", v.cfg.MQTT.Enabled,
	)

	<-ctx.Done()

	slog.Info("duoscope service run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components
func (v *Viewer) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	if !v.isRunning {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	slog.Info("shutting down duoscope service")

	// Shutdown sequence (order is important!):
	// 1. Controllers first; they write into blocks the pipeline reads.
	if v.tuner != nil {
		if err := v.tuner.Stop(); err != nil {
			slog.Error("failed to stop tuning controller", "error", err)
		}
	}
	if v.aligner != nil {
		if err := v.aligner.Stop(); err != nil {
			slog.Error("failed to stop alignment controller", "error", err)
		}
	}

	// 2. The pipeline; finalizes any active recording.
	if v.pipe != nil {
		if err := v.pipe.Stop(); err != nil {
			slog.Error("failed to stop pipeline", "error", err)
		}
	}

	// 3. Sources release the devices once nothing reads frames.
	if v.right != nil {
		if err := v.right.Stop(); err != nil {
			slog.Error("failed to stop right source", "error", err)
		}
	}
	if v.left != nil {
		if err := v.left.Stop(); err != nil {
			slog.Error("failed to stop left source", "error", err)
		}
	}

	// 4. External surfaces last.
	if v.control != nil {
		if err := v.control.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if v.emitter != nil {
		if err := v.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	v.bus.Close()

	if v.lib != nil {
		if err := v.lib.Close(); err != nil {
			slog.Error("failed to close recordings library", "error", err)
		}
	}

	v.mu.Lock()
	uptime := time.Since(v.started)
	v.isRunning = false
	v.mu.Unlock()

	slog.Info("duoscope service shutdown complete", "uptime", uptime)
	return nil
}
