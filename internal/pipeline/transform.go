package pipeline

import (
	"gocv.io/x/gocv"

	"github.com/e7canasta/duoscope/internal/params"
)

// sideMatrices holds the per-side 2x3 affine matrices applied each cycle.
// Rebuilt only when the transform block version or the source geometry
// changes, never per frame.
type sideMatrices struct {
	right gocv.Mat
	left  gocv.Mat
	valid bool
}

func (m *sideMatrices) Close() {
	if m.valid {
		m.right.Close()
		m.left.Close()
		m.valid = false
	}
}

// rebuild composes the per-side transforms from the current geometry.
//
// Both sides get the same uniform scale-and-center: the image is scaled by
// base·zoom, where base fits the source into one half of the display
// (whichever of height or half-width is the binding constraint), then
// translated so the scaled image is centered in its half. The left side
// additionally gets the alignment offset, scaled into display space.
func (m *sideMatrices) rebuild(srcWidth, srcHeight int, p params.TransformSnapshot) {
	m.Close()

	halfW := float64(p.DisplayWidth) / 2
	dispH := float64(p.DisplayHeight)
	srcW := float64(srcWidth)
	srcH := float64(srcHeight)

	var base float64
	if srcH/srcW > dispH/halfW {
		base = dispH / srcH
	} else {
		base = halfW / srcW
	}
	scale := base * p.Zoom

	// Centering translation: half the gap between the half-display and the
	// scaled image.
	tx := (halfW - srcW*scale) / 2
	ty := (dispH - srcH*scale) / 2

	m.right = affine2x3(scale, tx, ty)
	m.left = affine2x3(scale, scale*float64(p.OffsetX)+tx, scale*float64(p.OffsetY)+ty)
	m.valid = true
}

// affine2x3 builds [s 0 tx; 0 s ty] as a CV64F matrix for WarpAffine.
func affine2x3(s, tx, ty float64) gocv.Mat {
	mat := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	mat.SetDoubleAt(0, 0, s)
	mat.SetDoubleAt(0, 1, 0)
	mat.SetDoubleAt(0, 2, tx)
	mat.SetDoubleAt(1, 0, 0)
	mat.SetDoubleAt(1, 1, s)
	mat.SetDoubleAt(1, 2, ty)
	return mat
}
