// Package source implements the frame source: one goroutine per camera
// continuously refreshing a single latest-frame slot.
//
// Philosophy: "Overwrite, never queue." The slot always holds the newest
// frame; readers that need a stable image take one snapshot at the top of
// their own iteration and work on the copy.
//
// Orientation correction for the physical mount is applied inside the
// capture loop, so every downstream consumer sees upright images.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/duoscope/internal/camera"
	"github.com/e7canasta/duoscope/internal/notify"
)

// absentDelay emulates device latency when no camera is attached, so the
// capture loop never spins at full CPU serving placeholder frames.
const absentDelay = 10 * time.Millisecond

var ErrNotStarted = errors.New("source: not started")

// Config describes one camera side.
type Config struct {
	Side     string // "R" or "L"
	DeviceID int
	Rotation int // degrees clockwise, one of 0/90/180/270
	Width    int // capture width before rotation
	Height   int // capture height before rotation
}

// Source owns one capture device and its latest-frame slot.
//
// Lifecycle: New/Open → Start → Snapshot/ApplyParameters → Stop.
// Not restartable; a new instance is created if capture must resume.
type Source struct {
	cfg    Config
	dev    camera.Device // nil = placeholder mode
	notify *notify.Channel

	placeholder gocv.Mat

	slotMu  sync.RWMutex
	latest  gocv.Mat
	seq     uint64
	hasSlot bool
	stopped bool

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New wires a source to an already-opened device. dev may be nil, in which
// case the source serves placeholder frames.
func New(cfg Config, dev camera.Device, n *notify.Channel) *Source {
	return &Source{
		cfg:         cfg,
		dev:         dev,
		notify:      n,
		placeholder: newPlaceholder(cfg.Width, cfg.Height),
		latest:      gocv.NewMat(),
		stopCh:      make(chan struct{}),
	}
}

// Open opens the configured device and wraps it in a source. An absent
// device degrades to placeholder mode instead of failing: acquisition keeps
// running no matter what.
func Open(cfg Config, n *notify.Channel) *Source {
	dev, err := camera.Open(cfg.DeviceID)
	if err != nil {
		slog.Warn("camera not available, serving placeholder frames",
			"side", cfg.Side,
			"device_id", cfg.DeviceID,
			"error", err,
		)
		dev = nil
	}
	return New(cfg, dev, n)
}

// newPlaceholder builds the fixed mid-gray frame served when the device is
// unavailable.
func newPlaceholder(width, height int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), height, width, gocv.MatTypeCV8UC3)
}

// Start spawns the capture loop. Returns an error if already started.
func (s *Source) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return fmt.Errorf("source %s: already started", s.cfg.Side)
	}
	s.started = true

	s.wg.Add(1)
	go s.captureLoop(ctx)

	slog.Info("frame source started",
		"side", s.cfg.Side,
		"device_id", s.cfg.DeviceID,
		"rotation", s.cfg.Rotation,
		"placeholder", s.dev == nil,
	)
	return nil
}

// Stop terminates the capture loop and releases the device. Idempotent;
// the device handle and the slot are guaranteed released on return.
func (s *Source) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	close(s.stopCh)
	s.wg.Wait()

	var err error
	if s.dev != nil {
		err = s.dev.Close()
	}

	s.slotMu.Lock()
	s.stopped = true
	s.latest.Close()
	s.placeholder.Close()
	s.slotMu.Unlock()

	slog.Info("frame source stopped", "side", s.cfg.Side, "frames", s.seq)
	return err
}

// Snapshot copies the newest frame into dst and returns its sequence number.
// Returns false before the first capture or after Stop. The copy is the
// caller's to keep; the slot is overwritten continuously.
func (s *Source) Snapshot(dst *gocv.Mat) (uint64, bool) {
	s.slotMu.RLock()
	defer s.slotMu.RUnlock()
	if s.stopped || !s.hasSlot {
		return 0, false
	}
	s.latest.CopyTo(dst)
	return s.seq, true
}

// Side reports which camera this source serves.
func (s *Source) Side() string { return s.cfg.Side }

// ApplyParameters pushes a parameter delta to the device. Each parameter is
// attempted independently: an unsupported or out-of-range entry fails
// without aborting the rest. The result maps every requested name to nil or
// its rejection error.
func (s *Source) ApplyParameters(parameters map[string]float64) map[string]error {
	results := make(map[string]error, len(parameters))
	for name, value := range parameters {
		results[name] = s.SetParameter(name, value)
	}
	return results
}

// SetParameter writes one named parameter, reporting the change on the
// notification channel only when the device accepted it.
func (s *Source) SetParameter(name string, value float64) error {
	if s.dev == nil {
		return camera.ErrDeviceAbsent
	}
	if err := s.dev.Set(name, value); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify.Publish(notify.TopicCameraParameter, notify.ParameterChange{
			Side:  s.cfg.Side,
			Name:  name,
			Value: value,
		})
	}
	return nil
}

// Parameter reads one named parameter back from the device.
func (s *Source) Parameter(name string) (float64, error) {
	if s.dev == nil {
		return 0, camera.ErrDeviceAbsent
	}
	return s.dev.Get(name)
}

// captureLoop refreshes the latest-frame slot until stopped.
func (s *Source) captureLoop(ctx context.Context) {
	defer s.wg.Done()

	raw := gocv.NewMat()
	defer raw.Close()
	upright := gocv.NewMat()
	defer upright.Close()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		ok := false
		if s.dev != nil {
			ok = s.dev.Read(&raw)
		}
		if !ok {
			// Absent or failed device: bounded delay, then the placeholder.
			time.Sleep(absentDelay)
			s.store(s.placeholder, upright)
			continue
		}
		s.store(raw, upright)
	}
}

// store rotates the frame upright and publishes it into the slot.
func (s *Source) store(frame gocv.Mat, scratch gocv.Mat) {
	out := frame
	switch s.cfg.Rotation {
	case 90:
		gocv.Rotate(frame, &scratch, gocv.Rotate90Clockwise)
		out = scratch
	case 180:
		gocv.Rotate(frame, &scratch, gocv.Rotate180Clockwise)
		out = scratch
	case 270:
		gocv.Rotate(frame, &scratch, gocv.Rotate90CounterClockwise)
		out = scratch
	}

	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.stopped {
		return
	}
	out.CopyTo(&s.latest)
	s.seq++
	s.hasSlot = true
}
