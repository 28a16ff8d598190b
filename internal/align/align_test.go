package align

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/duoscope/internal/camera"
	"github.com/e7canasta/duoscope/internal/notify"
	"github.com/e7canasta/duoscope/internal/params"
	"github.com/e7canasta/duoscope/internal/source"
)

// startSources spins up two mock-backed sources and waits for first frames.
func startSources(t *testing.T, right, left *camera.Mock) (*source.Source, *source.Source) {
	t.Helper()
	ctx := context.Background()

	r := source.New(source.Config{Side: "R", Width: 64, Height: 64}, right, nil)
	l := source.New(source.Config{Side: "L", Width: 64, Height: 64}, left, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("starting right source: %v", err)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatalf("starting left source: %v", err)
	}
	t.Cleanup(func() {
		r.Stop()
		l.Stop()
	})

	img := gocv.NewMat()
	defer img.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, okR := r.Snapshot(&img)
		_, okL := l.Snapshot(&img)
		if okR && okL {
			return r, l
		}
		if time.Now().After(deadline) {
			t.Fatal("sources produced no frames")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A right image whose feature sits 5px below the left one must yield a
// vertical offset of +5.
func TestAlignDetectsVerticalShift(t *testing.T) {
	right := camera.NewMock(64, 64, 20, 20, 20)
	left := camera.NewMock(64, 64, 20, 20, 20)
	left.SetRect(image.Rect(24, 24, 40, 40))
	right.SetRect(image.Rect(24, 29, 40, 45))
	r, l := startSources(t, right, left)

	tr := params.NewTransform(128, 64)
	c := New(r, l, tr, nil, DefaultPeriod)

	if err := c.Align(true); err != nil {
		t.Fatalf("align: %v", err)
	}

	s := tr.Snapshot()
	if s.OffsetY != 5 {
		t.Errorf("expected offset_y 5, got %d", s.OffsetY)
	}
	if s.OffsetX != 0 {
		t.Errorf("expected offset_x 0, got %d", s.OffsetX)
	}
}

// With horizontal correction disabled, only the vertical axis is written.
func TestAlignKeepsHorizontalWhenDisabled(t *testing.T) {
	right := camera.NewMock(64, 64, 20, 20, 20)
	left := camera.NewMock(64, 64, 20, 20, 20)
	left.SetRect(image.Rect(24, 24, 40, 40))
	right.SetRect(image.Rect(27, 29, 43, 45)) // shifted +3 right, +5 down
	r, l := startSources(t, right, left)

	tr := params.NewTransform(128, 64)
	tr.SetOffset(7, 0)
	c := New(r, l, tr, nil, DefaultPeriod)

	if err := c.Align(false); err != nil {
		t.Fatalf("align: %v", err)
	}

	s := tr.Snapshot()
	if s.OffsetX != 7 {
		t.Errorf("horizontal must be untouched, got offset_x %d", s.OffsetX)
	}
	if s.OffsetY != 5 {
		t.Errorf("expected offset_y 5, got %d", s.OffsetY)
	}
}

// Align(true) picks up the horizontal displacement too.
func TestAlignFullCorrectsBothAxes(t *testing.T) {
	right := camera.NewMock(64, 64, 20, 20, 20)
	left := camera.NewMock(64, 64, 20, 20, 20)
	left.SetRect(image.Rect(24, 24, 40, 40))
	right.SetRect(image.Rect(27, 29, 43, 45))
	r, l := startSources(t, right, left)

	tr := params.NewTransform(128, 64)
	c := New(r, l, tr, nil, DefaultPeriod)

	if err := c.Align(true); err != nil {
		t.Fatalf("align: %v", err)
	}

	s := tr.Snapshot()
	if s.OffsetX != 3 || s.OffsetY != 5 {
		t.Errorf("expected offset (3, 5), got (%d, %d)", s.OffsetX, s.OffsetY)
	}
}

// The alignment update is reported on the notification channel.
func TestAlignPublishesUpdate(t *testing.T) {
	right := camera.NewMock(64, 64, 20, 20, 20)
	left := camera.NewMock(64, 64, 20, 20, 20)
	left.SetRect(image.Rect(24, 24, 40, 40))
	right.SetRect(image.Rect(24, 24, 40, 40))
	r, l := startSources(t, right, left)

	bus := notify.New()
	defer bus.Close()
	ch := make(chan notify.Event, 4)
	bus.Subscribe("t", ch, notify.TopicAlignment)

	c := New(r, l, params.NewTransform(128, 64), bus, DefaultPeriod)
	if err := c.Align(true); err != nil {
		t.Fatalf("align: %v", err)
	}

	select {
	case ev := <-ch:
		up := ev.Payload.(notify.AlignmentUpdate)
		if up.OffsetX != 0 || up.OffsetY != 0 {
			t.Errorf("aligned pair must report zero offset, got (%d, %d)", up.OffsetX, up.OffsetY)
		}
		if !up.Applied {
			t.Error("in-range offset must report Applied=true")
		}
	case <-time.After(time.Second):
		t.Fatal("no alignment event published")
	}
}

func TestAlignWithoutFrames(t *testing.T) {
	r := source.New(source.Config{Side: "R", Width: 64, Height: 64}, camera.NewMock(64, 64, 0, 0, 0), nil)
	l := source.New(source.Config{Side: "L", Width: 64, Height: 64}, camera.NewMock(64, 64, 0, 0, 0), nil)
	// Sources never started: no frames available.

	c := New(r, l, params.NewTransform(128, 64), nil, DefaultPeriod)
	if err := c.Align(true); !errors.Is(err, ErrNoFrames) {
		t.Errorf("expected ErrNoFrames, got %v", err)
	}
}
