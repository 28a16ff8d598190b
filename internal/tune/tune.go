// Package tune implements the closed-loop brightness controller.
//
// The loop drives one camera's gain toward a target mean intensity measured
// over the centered 50% region of the latest frame. Gain is the fast axis;
// when a step would push gain past its range, the controller moves exposure
// one notch in the compensating direction, parks gain at the opposite rail
// and waits for the sensor to settle before measuring again.
//
// The tick period adapts to the error: large errors tick fast, small errors
// back off toward the steady period so a converged loop barely touches the
// device.
package tune

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/duoscope/internal/camera"
	"github.com/e7canasta/duoscope/internal/notify"
	"github.com/e7canasta/duoscope/internal/source"
)

var (
	ErrNoFrames  = errors.New("tune: source has no frames yet")
	ErrConverged = errors.New("tune: within tolerance")
)

// Config carries the control law constants. Ranges describe the device's
// accepted gain and exposure values.
type Config struct {
	Goal      float64 // target mean intensity, 0–255
	Tolerance float64 // dead band around Goal
	LearnRate float64 // gain step per unit of intensity error

	GainMin     float64
	GainMax     float64
	ExposureMin float64
	ExposureMax float64

	SteadyPeriod time.Duration // tick period when converged
	MinPeriod    time.Duration // tick period floor for large errors
	SettleDelay  time.Duration // pause after an exposure change
}

// DefaultConfig mirrors the field-proven constants.
func DefaultConfig() Config {
	return Config{
		Goal:         128,
		Tolerance:    5,
		LearnRate:    0.5,
		GainMin:      0,
		GainMax:      127,
		ExposureMin:  -7,
		ExposureMax:  -1,
		SteadyPeriod: time.Second,
		MinPeriod:    100 * time.Millisecond,
		SettleDelay:  100 * time.Millisecond,
	}
}

// Controller tunes one camera side.
type Controller struct {
	src    *source.Source
	cfg    Config
	notify *notify.Channel

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a controller for one source.
func New(src *source.Source, cfg Config, n *notify.Channel) *Controller {
	return &Controller{
		src:    src,
		cfg:    cfg,
		notify: n,
		stopCh: make(chan struct{}),
	}
}

// Start spawns the tuning loop.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return fmt.Errorf("tune %s: already started", c.src.Side())
	}
	c.started = true

	c.wg.Add(1)
	go c.loop(ctx)

	slog.Info("tuning controller started",
		"side", c.src.Side(),
		"goal", c.cfg.Goal,
		"tolerance", c.cfg.Tolerance,
	)
	return nil
}

// Stop terminates the loop. Idempotent.
func (c *Controller) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	close(c.stopCh)
	c.wg.Wait()
	slog.Info("tuning controller stopped", "side", c.src.Side())
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	period := c.cfg.SteadyPeriod
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		diff, err := c.Tick()
		switch {
		case errors.Is(err, camera.ErrDeviceAbsent):
			// Placeholder source: nothing to tune, idle at steady rate.
			period = c.cfg.SteadyPeriod
		case errors.Is(err, ErrConverged), err == nil:
			period = c.adaptPeriod(diff)
		default:
			slog.Debug("tuning tick skipped", "side", c.src.Side(), "error", err)
			period = c.cfg.SteadyPeriod
		}
		timer.Reset(period)
	}
}

// adaptPeriod scales the tick period inversely with the error magnitude,
// clamped between MinPeriod and SteadyPeriod.
func (c *Controller) adaptPeriod(diff float64) time.Duration {
	mag := math.Abs(diff)
	if mag <= c.cfg.Tolerance {
		return c.cfg.SteadyPeriod
	}
	p := time.Duration(float64(c.cfg.SteadyPeriod) * c.cfg.Tolerance / mag)
	if p < c.cfg.MinPeriod {
		return c.cfg.MinPeriod
	}
	if p > c.cfg.SteadyPeriod {
		return c.cfg.SteadyPeriod
	}
	return p
}

// Tick runs one control step and returns the measured intensity error
// (goal − mean). ErrConverged means the error is inside the dead band and
// nothing was written.
func (c *Controller) Tick() (float64, error) {
	gain, exposure, err := c.readClamped()
	if err != nil {
		return 0, err
	}

	mean, err := c.centerMean()
	if err != nil {
		return 0, err
	}
	diff := c.cfg.Goal - mean

	if c.notify != nil {
		c.notify.Publish(notify.TopicTuning, notify.TuningSample{
			Side: c.src.Side(),
			Mean: mean,
			Diff: diff,
		})
	}

	if math.Abs(diff) <= c.cfg.Tolerance {
		return diff, ErrConverged
	}

	// Gain step proportional to the error, at least one count.
	next := gain + float64(int(diff*c.cfg.LearnRate))
	if diff > 0 {
		next++
	} else {
		next--
	}

	switch {
	case next > c.cfg.GainMax:
		// Gain exhausted upward: step exposure brighter, restart gain low.
		return diff, c.stepExposure(exposure-1, c.cfg.GainMin)
	case next < c.cfg.GainMin:
		// Too bright even at minimum gain: step exposure darker, restart high.
		return diff, c.stepExposure(exposure+1, c.cfg.GainMax)
	default:
		return diff, c.src.SetParameter(camera.ParamGain, next)
	}
}

// stepExposure moves exposure one notch (already computed by the caller),
// parks gain at the given rail and waits for the sensor to settle. An
// out-of-range exposure means both axes are exhausted; the frame is as close
// to the goal as the hardware allows, so the step is silently dropped.
func (c *Controller) stepExposure(exposure, gainRail float64) error {
	if exposure > c.cfg.ExposureMax || exposure < c.cfg.ExposureMin {
		return nil
	}
	if err := c.src.SetParameter(camera.ParamExposure, exposure); err != nil {
		return err
	}
	if err := c.src.SetParameter(camera.ParamGain, gainRail); err != nil {
		return err
	}
	time.Sleep(c.cfg.SettleDelay)
	return nil
}

// readClamped reads gain and exposure, forcing any out-of-range value back
// inside the configured range before the control step uses it.
func (c *Controller) readClamped() (gain, exposure float64, err error) {
	gain, err = c.src.Parameter(camera.ParamGain)
	if err != nil {
		return 0, 0, err
	}
	exposure, err = c.src.Parameter(camera.ParamExposure)
	if err != nil {
		return 0, 0, err
	}

	if v := clamp(gain, c.cfg.GainMin, c.cfg.GainMax); v != gain {
		if err := c.src.SetParameter(camera.ParamGain, v); err != nil {
			return 0, 0, err
		}
		gain = v
	}
	if v := clamp(exposure, c.cfg.ExposureMin, c.cfg.ExposureMax); v != exposure {
		if err := c.src.SetParameter(camera.ParamExposure, v); err != nil {
			return 0, 0, err
		}
		exposure = v
	}
	return gain, exposure, nil
}

// centerMean measures the mean intensity over the centered 50% of the
// latest frame.
func (c *Controller) centerMean() (float64, error) {
	img := gocv.NewMat()
	defer img.Close()
	if _, ok := c.src.Snapshot(&img); !ok {
		return 0, ErrNoFrames
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	rows := gray.Rows()
	cols := gray.Cols()
	roi := gray.Region(image.Rect(cols/4, rows/4, cols/4*3, rows/4*3))
	defer roi.Close()

	return roi.Mean().Val1, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
