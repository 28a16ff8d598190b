package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetWithinLimit(t *testing.T) {
	tr := NewTransform(1280, 480)
	v0 := tr.Snapshot().Version

	assert.True(t, tr.SetOffset(40, -25))
	s := tr.Snapshot()
	assert.Equal(t, 40, s.OffsetX)
	assert.Equal(t, -25, s.OffsetY)
	assert.Greater(t, s.Version, v0, "a changing write must bump the version")
}

func TestOffsetBeyondLimitResetsToZero(t *testing.T) {
	tr := NewTransform(1280, 480)
	require.True(t, tr.SetOffset(40, 25))

	assert.False(t, tr.SetOffset(OffsetLimit+1, 0))
	s := tr.Snapshot()
	assert.Equal(t, 0, s.OffsetX)
	assert.Equal(t, 0, s.OffsetY)

	require.True(t, tr.SetOffset(10, 10))
	assert.False(t, tr.SetOffset(0, -(OffsetLimit + 50)))
	s = tr.Snapshot()
	assert.Equal(t, 0, s.OffsetX)
	assert.Equal(t, 0, s.OffsetY)
}

func TestUnchangedOffsetKeepsVersion(t *testing.T) {
	tr := NewTransform(1280, 480)
	tr.SetOffset(5, 5)
	v := tr.Snapshot().Version
	tr.SetOffset(5, 5)
	assert.Equal(t, v, tr.Snapshot().Version, "a no-op write must not bump the version")
}

func TestZoomBounds(t *testing.T) {
	tr := NewTransform(1280, 480)

	// Zoom in until saturation; must never reach ZoomMax.
	for i := 0; i < 200; i++ {
		tr.ZoomIn()
	}
	assert.Less(t, tr.Snapshot().Zoom, ZoomMax)

	// And back out; must never reach ZoomMin.
	for i := 0; i < 400; i++ {
		tr.ZoomOut()
	}
	assert.Greater(t, tr.Snapshot().Zoom, ZoomMin)
}

func TestZoomStepIsMultiplicative(t *testing.T) {
	tr := NewTransform(1280, 480)
	z1 := tr.ZoomIn()
	assert.InDelta(t, ZoomStep, z1, 1e-9)
	z2 := tr.ZoomIn()
	assert.InDelta(t, ZoomStep*ZoomStep, z2, 1e-9)
}

func TestSetDisplaySize(t *testing.T) {
	tr := NewTransform(1280, 480)
	v := tr.Snapshot().Version

	tr.SetDisplaySize(1920, 720)
	s := tr.Snapshot()
	assert.Equal(t, 1920, s.DisplayWidth)
	assert.Equal(t, 720, s.DisplayHeight)
	assert.Greater(t, s.Version, v)

	tr.SetDisplaySize(1920, 720)
	assert.Equal(t, s.Version, tr.Snapshot().Version)
}

func TestValidateDepth(t *testing.T) {
	cases := []struct {
		name         string
		ndisparities int
		window       int
		minDim       int
		wantErr      error
	}{
		{"valid", 32, 31, 480, nil},
		{"valid without dim check", 16, 255, 0, nil},
		{"zero disparities", 0, 31, 480, ErrDisparityCount},
		{"negative disparities", -16, 31, 480, ErrDisparityCount},
		{"not multiple of 16", 20, 31, 480, ErrDisparityCount},
		{"even window", 32, 30, 480, ErrWindowSize},
		{"window too small", 32, 3, 480, ErrWindowSize},
		{"window too big", 32, 257, 480, ErrWindowSize},
		{"window exceeds image", 32, 101, 100, ErrWindowTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDepth(tc.ndisparities, tc.window, tc.minDim)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestDepthApplyRejectionRetainsPrior(t *testing.T) {
	d, err := NewDepth(32, 31)
	require.NoError(t, err)
	v := d.Snapshot().Version

	err = d.Apply(20, 31, 480)
	require.ErrorIs(t, err, ErrDisparityCount)

	s := d.Snapshot()
	assert.Equal(t, 32, s.NDisparities)
	assert.Equal(t, 31, s.SADWindowSize)
	assert.Equal(t, v, s.Version)
}

func TestDepthToggle(t *testing.T) {
	d, err := NewDepth(32, 31)
	require.NoError(t, err)

	assert.False(t, d.Snapshot().Enabled)
	assert.True(t, d.Toggle())
	assert.True(t, d.Snapshot().Enabled)
	assert.False(t, d.Toggle())
}

func TestDepthSetEnabled(t *testing.T) {
	d, err := NewDepth(32, 31)
	require.NoError(t, err)

	d.SetEnabled(true)
	s := d.Snapshot()
	assert.True(t, s.Enabled)

	// A no-op write must not bump the version.
	d.SetEnabled(true)
	assert.Equal(t, s.Version, d.Snapshot().Version)

	d.SetEnabled(false)
	s2 := d.Snapshot()
	assert.False(t, s2.Enabled)
	assert.Greater(t, s2.Version, s.Version)
}

func TestNewDepthRejectsInvalid(t *testing.T) {
	_, err := NewDepth(15, 31)
	assert.ErrorIs(t, err, ErrDisparityCount)
	_, err = NewDepth(32, 4)
	assert.ErrorIs(t, err, ErrWindowSize)
}
