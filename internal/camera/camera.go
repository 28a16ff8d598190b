// Package camera is the device boundary: opening a capture device, reading
// frames, applying named parameters, releasing the handle.
//
// The recognized parameter names are a fixed, enumerated set mapped to typed
// device properties. Unknown names are a configuration error; they are never
// silently accepted.
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gocv.io/x/gocv"
)

// Recognized device parameter names.
const (
	ParamWidth        = "width"
	ParamHeight       = "height"
	ParamBrightness   = "brightness"
	ParamContrast     = "contrast"
	ParamSaturation   = "saturation"
	ParamHue          = "hue"
	ParamGain         = "gain"
	ParamExposure     = "exposure"
	ParamWhiteBalance = "white_balance"
	ParamFocus        = "focus"
)

var (
	ErrUnknownParameter = errors.New("camera: unknown parameter name")
	ErrDeviceAbsent     = errors.New("camera: device not available")
	ErrSetRejected      = errors.New("camera: device rejected parameter")
)

var properties = map[string]gocv.VideoCaptureProperties{
	ParamWidth:        gocv.VideoCaptureFrameWidth,
	ParamHeight:       gocv.VideoCaptureFrameHeight,
	ParamBrightness:   gocv.VideoCaptureBrightness,
	ParamContrast:     gocv.VideoCaptureContrast,
	ParamSaturation:   gocv.VideoCaptureSaturation,
	ParamHue:          gocv.VideoCaptureHue,
	ParamGain:         gocv.VideoCaptureGain,
	ParamExposure:     gocv.VideoCaptureExposure,
	ParamWhiteBalance: gocv.VideoCaptureWhiteBalanceBlueU,
	ParamFocus:        gocv.VideoCaptureFocus,
}

// Device abstracts one physical (or simulated) camera.
//
// Implementations must guarantee:
//   - Read never blocks indefinitely
//   - Set/Get reject unknown names with ErrUnknownParameter
//   - Close is idempotent
type Device interface {
	// Read fetches the next frame into dst. Returns false when the device
	// produced nothing (caller degrades to a placeholder frame).
	Read(dst *gocv.Mat) bool

	// Set writes one named parameter to the device.
	Set(name string, value float64) error

	// Get reads one named parameter back from the device.
	Get(name string) (float64, error)

	// Close releases the device handle. Idempotent.
	Close() error
}

// videoDevice wraps a gocv.VideoCapture handle.
type videoDevice struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	closed bool
}

// Open opens the capture device with the given id.
func Open(id int) (Device, error) {
	cap, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("%w: id %d: %v", ErrDeviceAbsent, id, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("%w: id %d", ErrDeviceAbsent, id)
	}
	return &videoDevice{cap: cap}, nil
}

func (d *videoDevice) Read(dst *gocv.Mat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	return d.cap.Read(dst) && !dst.Empty()
}

// setReadbackEpsilon bounds the float comparison on Set read-back; property
// values pass through a float conversion that is not exact.
const setReadbackEpsilon = 1e-3

// setAccepted decides whether a parameter write took effect from the values
// read back around it. Drivers quantize property values, so a read-back that
// moved off its previous value counts as accepted even when it differs from
// the request; only a read-back stuck at the previous value is a rejection.
func setAccepted(requested, prev, got float64) bool {
	if math.Abs(got-requested) <= setReadbackEpsilon {
		return true
	}
	return math.Abs(got-prev) > setReadbackEpsilon
}

func (d *videoDevice) Set(name string, value float64) error {
	prop, ok := properties[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceAbsent
	}
	// VideoCapture.Set gives no return; read back around the write to detect
	// rejection.
	prev := d.cap.Get(prop)
	d.cap.Set(prop, value)
	got := d.cap.Get(prop)
	if !setAccepted(value, prev, got) {
		return fmt.Errorf("%w: %s=%v (device reports %v)", ErrSetRejected, name, value, got)
	}
	if math.Abs(got-value) > setReadbackEpsilon {
		slog.Debug("device quantized parameter", "name", name, "requested", value, "device", got)
	}
	return nil
}

func (d *videoDevice) Get(name string) (float64, error) {
	prop, ok := properties[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceAbsent
	}
	return d.cap.Get(prop), nil
}

func (d *videoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.cap.Close()
}
