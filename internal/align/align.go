// Package align implements the continuous auto-alignment controller.
//
// Each tick it takes one frame snapshot per side, extracts the centered 50%
// region of the left intensity image as a template and locates it in the
// right intensity image by normalized cross-correlation. The vertical
// displacement from the template's expected centered position is always
// written back to the shared transform block; the horizontal displacement is
// written only when horizontal correction is enabled, because horizontal
// offset changes apparent convergence and continuous fluctuation there
// causes visual discomfort. Only vertical drift is safe to correct on every
// tick.
package align

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/duoscope/internal/notify"
	"github.com/e7canasta/duoscope/internal/params"
	"github.com/e7canasta/duoscope/internal/source"
)

// DefaultPeriod is the tick period; alignment drifts slowly, one check per
// second is plenty.
const DefaultPeriod = time.Second

var (
	ErrNoFrames          = errors.New("align: sources have no frames yet")
	ErrDimensionMismatch = errors.New("align: source dimensions differ")
)

// Controller runs the fixed-period alignment loop.
type Controller struct {
	right     *source.Source
	left      *source.Source
	transform *params.Transform
	notify    *notify.Channel
	period    time.Duration

	horizontal atomic.Bool

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a controller; pass DefaultPeriod unless a test needs faster
// ticks. Horizontal correction starts disabled.
func New(right, left *source.Source, t *params.Transform, n *notify.Channel, period time.Duration) *Controller {
	return &Controller{
		right:     right,
		left:      left,
		transform: t,
		notify:    n,
		period:    period,
		stopCh:    make(chan struct{}),
	}
}

// SetHorizontal enables or disables horizontal offset correction for
// subsequent ticks.
func (c *Controller) SetHorizontal(enabled bool) {
	c.horizontal.Store(enabled)
	slog.Info("horizontal alignment correction", "enabled", enabled)
}

// Horizontal reports whether horizontal correction is enabled.
func (c *Controller) Horizontal() bool {
	return c.horizontal.Load()
}

// Start spawns the alignment loop.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return fmt.Errorf("align: already started")
	}
	c.started = true

	c.wg.Add(1)
	go c.loop(ctx)

	slog.Info("alignment controller started", "period", c.period)
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
	slog.Info("alignment controller stopped")
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Align(c.horizontal.Load()); err != nil {
				// Transient: sources may be warming up or mid-reconfigure.
				slog.Debug("alignment tick skipped", "error", err)
			}
		}
	}
}

// Align performs one correlation tick and writes the detected offset into
// the transform block. setHorizontal selects whether the horizontal
// displacement is applied (the startup one-shot passes true regardless of
// the loop setting). Exported so the coordinator can run the initial
// full alignment before the loop starts.
func (c *Controller) Align(setHorizontal bool) error {
	dx, dy, err := c.detectOffset()
	if err != nil {
		return err
	}

	cur := c.transform.Snapshot()
	x := cur.OffsetX
	if setHorizontal {
		x = dx
	}

	applied := true
	if x != cur.OffsetX || dy != cur.OffsetY {
		applied = c.transform.SetOffset(x, dy)
	}

	if c.notify != nil {
		c.notify.Publish(notify.TopicAlignment, notify.AlignmentUpdate{
			OffsetX:    x,
			OffsetY:    dy,
			Horizontal: setHorizontal,
			Applied:    applied,
		})
	}
	return nil
}

// detectOffset runs the template correlation and returns the displacement
// of the right image relative to the left, in pixels.
func (c *Controller) detectOffset() (dx, dy int, err error) {
	imgR := gocv.NewMat()
	defer imgR.Close()
	imgL := gocv.NewMat()
	defer imgL.Close()

	if _, ok := c.right.Snapshot(&imgR); !ok {
		return 0, 0, ErrNoFrames
	}
	if _, ok := c.left.Snapshot(&imgL); !ok {
		return 0, 0, ErrNoFrames
	}
	if imgR.Rows() != imgL.Rows() || imgR.Cols() != imgL.Cols() {
		return 0, 0, ErrDimensionMismatch
	}

	grayR := gocv.NewMat()
	defer grayR.Close()
	grayL := gocv.NewMat()
	defer grayL.Close()
	gocv.CvtColor(imgR, &grayR, gocv.ColorBGRToGray)
	gocv.CvtColor(imgL, &grayL, gocv.ColorBGRToGray)

	rows := grayL.Rows()
	cols := grayL.Cols()

	// Template: the centered middle 50% of the left frame.
	roi := grayL.Region(image.Rect(cols/4, rows/4, cols/4*3, rows/4*3))
	defer roi.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(grayR, roi, &result, gocv.TmCcorrNormed, mask)

	_, _, _, maxLoc := gocv.MinMaxLoc(result)

	// Displacement from the template's expected centered location.
	return maxLoc.X - cols/4, maxLoc.Y - rows/4, nil
}
