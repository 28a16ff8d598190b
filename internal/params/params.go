// Package params holds the mutable parameter blocks shared between the
// processing pipeline and its controllers.
//
// Discipline: each block has a single writer (alignment writes offsets, user
// commands write zoom and display size, the tuning controller writes camera
// parameters through the device boundary) and any number of concurrent
// readers. Readers take a versioned snapshot per iteration; the version only
// changes when a write actually changed a value, so the pipeline can cache
// derived state (the affine matrices) against it.
package params

import (
	"errors"
	"fmt"
	"sync"
)

// OffsetLimit is the sanity bound on alignment offsets, in pixels. Writes
// beyond it reset the offset to zero instead of applying a runaway value.
const OffsetLimit = 100

// Zoom bounds and the multiplicative step applied per zoom command.
const (
	ZoomMin  = 0.5
	ZoomMax  = 2.0
	ZoomStep = 1.01
)

// TransformSnapshot is a consistent read of the transform block.
type TransformSnapshot struct {
	Version       uint64
	OffsetX       int
	OffsetY       int
	Zoom          float64
	DisplayWidth  int
	DisplayHeight int
}

// Transform is the shared geometry block read by the pipeline on every
// transform rebuild.
type Transform struct {
	mu       sync.RWMutex
	version  uint64
	offsetX  int
	offsetY  int
	zoom     float64
	displayW int
	displayH int
}

// NewTransform creates a transform block at zoom 1.0 with zero offset.
func NewTransform(displayWidth, displayHeight int) *Transform {
	return &Transform{
		version:  1,
		zoom:     1.0,
		displayW: displayWidth,
		displayH: displayHeight,
	}
}

// Snapshot returns a consistent copy of all fields.
func (t *Transform) Snapshot() TransformSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TransformSnapshot{
		Version:       t.version,
		OffsetX:       t.offsetX,
		OffsetY:       t.offsetY,
		Zoom:          t.zoom,
		DisplayWidth:  t.displayW,
		DisplayHeight: t.displayH,
	}
}

// SetOffset writes a new alignment offset. Values beyond OffsetLimit on
// either axis reset the offset to (0, 0); this path runs unattended inside
// the alignment loop and must self-heal rather than surface an error.
// Returns false when the sanity bound was hit.
func (t *Transform) SetOffset(x, y int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	applied := true
	if abs(x) > OffsetLimit || abs(y) > OffsetLimit {
		x, y = 0, 0
		applied = false
	}
	if x != t.offsetX || y != t.offsetY {
		t.offsetX, t.offsetY = x, y
		t.version++
	}
	return applied
}

// ZoomIn applies one multiplicative zoom step, bounded by ZoomMax.
// Returns the zoom in effect afterwards.
func (t *Transform) ZoomIn() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if z := t.zoom * ZoomStep; z < ZoomMax {
		t.zoom = z
		t.version++
	}
	return t.zoom
}

// ZoomOut applies one multiplicative zoom step, bounded by ZoomMin.
func (t *Transform) ZoomOut() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if z := t.zoom / ZoomStep; z > ZoomMin {
		t.zoom = z
		t.version++
	}
	return t.zoom
}

// SetDisplaySize updates the composited output dimensions.
func (t *Transform) SetDisplaySize(width, height int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if width != t.displayW || height != t.displayH {
		t.displayW, t.displayH = width, height
		t.version++
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Depth parameter invariants. Violations are configuration errors: they are
// rejected at the point of application and the prior state is retained.
var (
	ErrDisparityCount = errors.New("params: ndisparities must be a positive multiple of 16")
	ErrWindowSize     = errors.New("params: SAD window size must be odd and within [5, 255]")
	ErrWindowTooLarge = errors.New("params: SAD window size exceeds the image dimensions")
)

// ValidateDepth checks the block-matching parameters. minImageDim is the
// smaller dimension of the images the matcher will run on; pass 0 to skip
// the dimension check (e.g. at config-load time, before capture geometry is
// known).
func ValidateDepth(ndisparities, sadWindowSize, minImageDim int) error {
	if ndisparities <= 0 || ndisparities%16 != 0 {
		return fmt.Errorf("%w: got %d", ErrDisparityCount, ndisparities)
	}
	if sadWindowSize%2 == 0 || sadWindowSize < 5 || sadWindowSize > 255 {
		return fmt.Errorf("%w: got %d", ErrWindowSize, sadWindowSize)
	}
	if minImageDim > 0 && sadWindowSize > minImageDim {
		return fmt.Errorf("%w: window %d, smaller dimension %d", ErrWindowTooLarge, sadWindowSize, minImageDim)
	}
	return nil
}

// DepthSnapshot is a consistent read of the depth block.
type DepthSnapshot struct {
	Version       uint64
	NDisparities  int
	SADWindowSize int
	Enabled       bool
}

// Depth is the shared stereo block-matching parameter block.
type Depth struct {
	mu            sync.RWMutex
	version       uint64
	ndisparities  int
	sadWindowSize int
	enabled       bool
}

// NewDepth creates a depth block, rejecting invalid parameters.
func NewDepth(ndisparities, sadWindowSize int) (*Depth, error) {
	if err := ValidateDepth(ndisparities, sadWindowSize, 0); err != nil {
		return nil, err
	}
	return &Depth{
		version:       1,
		ndisparities:  ndisparities,
		sadWindowSize: sadWindowSize,
	}, nil
}

// Snapshot returns a consistent copy of all fields.
func (d *Depth) Snapshot() DepthSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DepthSnapshot{
		Version:       d.version,
		NDisparities:  d.ndisparities,
		SADWindowSize: d.sadWindowSize,
		Enabled:       d.enabled,
	}
}

// Apply replaces the block-matching parameters. On validation failure the
// prior values are retained and the error is returned to the caller.
func (d *Depth) Apply(ndisparities, sadWindowSize, minImageDim int) error {
	if err := ValidateDepth(ndisparities, sadWindowSize, minImageDim); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ndisparities = ndisparities
	d.sadWindowSize = sadWindowSize
	d.version++
	return nil
}

// SetEnabled switches depth-map computation to an explicit state; used at
// startup to honor the configured value.
func (d *Depth) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled != enabled {
		d.enabled = enabled
		d.version++
	}
}

// Toggle flips depth-map computation on or off and reports the new state.
func (d *Depth) Toggle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = !d.enabled
	d.version++
	return d.enabled
}
