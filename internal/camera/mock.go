package camera

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"
)

// Mock is a synthetic Device for tests and for running without hardware.
// It produces solid-color BGR frames, optionally with a filled rectangle
// drawn on top so correlation-based tests have structure to lock onto.
type Mock struct {
	mu     sync.Mutex
	width  int
	height int
	fill   gocv.Scalar
	rect   image.Rectangle
	rectOn bool
	params map[string]float64
	ranges map[string][2]float64
	closed bool
	reads  uint64
}

// NewMock creates a mock device producing width×height frames filled with
// the given BGR value.
func NewMock(width, height int, b, g, r float64) *Mock {
	return &Mock{
		width:  width,
		height: height,
		fill:   gocv.NewScalar(b, g, r, 0),
		params: make(map[string]float64),
		ranges: make(map[string][2]float64),
	}
}

// SetFill changes the solid background color.
func (m *Mock) SetFill(b, g, r float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fill = gocv.NewScalar(b, g, r, 0)
}

// SetRect draws a filled white rectangle on every subsequent frame.
func (m *Mock) SetRect(r image.Rectangle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rect = r
	m.rectOn = true
}

// SetRange declares a legal [min, max] for a parameter; Set calls outside
// the range are rejected like a real driver would.
func (m *Mock) SetRange(name string, min, max float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges[name] = [2]float64{min, max}
}

// Reads reports how many frames have been served.
func (m *Mock) Reads() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *Mock) Read(dst *gocv.Mat) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	frame := gocv.NewMatWithSizeFromScalar(m.fill, m.height, m.width, gocv.MatTypeCV8UC3)
	defer frame.Close()
	if m.rectOn {
		gocv.Rectangle(&frame, m.rect, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	}
	frame.CopyTo(dst)
	m.reads++
	return true
}

func (m *Mock) Set(name string, value float64) error {
	if _, ok := properties[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDeviceAbsent
	}
	if r, ok := m.ranges[name]; ok && (value < r[0] || value > r[1]) {
		return fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrSetRejected, name, value, r[0], r[1])
	}
	m.params[name] = value
	return nil
}

func (m *Mock) Get(name string) (float64, error) {
	if _, ok := properties[name]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrDeviceAbsent
	}
	return m.params[name], nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
