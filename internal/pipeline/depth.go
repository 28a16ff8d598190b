package pipeline

import (
	"fmt"

	"gocv.io/x/gocv"
)

// disparityVisual computes a block-matching (SAD) disparity map between the
// two gray images and writes the result, normalized to the full 0–255 range,
// as a BGR image into dst. This is a visual depth proxy, not metric depth.
//
// gocv does not bind OpenCV's stereo matchers, so the search runs directly
// over the gray byte planes: one absolute-difference plane per disparity
// candidate, box-filtered with a summed-area table, argmin across candidates.
func disparityVisual(grayL, grayR gocv.Mat, ndisparities, window int, dst *gocv.Mat) error {
	rows := grayL.Rows()
	cols := grayL.Cols()
	if rows != grayR.Rows() || cols != grayR.Cols() {
		return fmt.Errorf("pipeline: gray pair dimensions differ: %dx%d vs %dx%d",
			grayL.Cols(), grayL.Rows(), grayR.Cols(), grayR.Rows())
	}
	if window > rows || window > cols {
		return fmt.Errorf("pipeline: SAD window %d exceeds image %dx%d", window, cols, rows)
	}

	left := grayL.ToBytes()
	right := grayR.ToBytes()

	half := window / 2
	n := rows * cols

	diff := make([]uint32, n)
	integral := make([]uint32, (rows+1)*(cols+1))
	bestCost := make([]uint32, n)
	bestDisp := make([]uint8, n)
	for i := range bestCost {
		bestCost[i] = ^uint32(0)
	}

	for d := 0; d < ndisparities; d++ {
		// Absolute difference plane for this disparity candidate. Columns
		// with no counterpart in the right image get the worst possible
		// per-pixel cost so they never win.
		for y := 0; y < rows; y++ {
			row := y * cols
			for x := 0; x < cols; x++ {
				if x < d {
					diff[row+x] = 255
					continue
				}
				lv := int32(left[row+x])
				rv := int32(right[row+x-d])
				if lv > rv {
					diff[row+x] = uint32(lv - rv)
				} else {
					diff[row+x] = uint32(rv - lv)
				}
			}
		}

		sumArea(diff, integral, rows, cols)

		// Windowed cost per interior pixel; keep the best disparity.
		for y := half; y < rows-half; y++ {
			for x := half; x < cols-half; x++ {
				c := boxSum(integral, cols, y-half, x-half, y+half+1, x+half+1)
				i := y*cols + x
				if c < bestCost[i] {
					bestCost[i] = c
					bestDisp[i] = uint8(d)
				}
			}
		}
	}

	normalizeToFull(bestDisp)

	gray, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, bestDisp)
	if err != nil {
		return fmt.Errorf("pipeline: building disparity mat: %w", err)
	}
	defer gray.Close()

	gocv.CvtColor(gray, dst, gocv.ColorGrayToBGR)
	return nil
}

// sumArea fills integral with the summed-area table of src (rows×cols).
// integral is (rows+1)×(cols+1), row 0 and column 0 zero.
func sumArea(src, integral []uint32, rows, cols int) {
	w := cols + 1
	for x := 0; x <= cols; x++ {
		integral[x] = 0
	}
	for y := 1; y <= rows; y++ {
		integral[y*w] = 0
		var rowSum uint32
		srcRow := (y - 1) * cols
		for x := 1; x <= cols; x++ {
			rowSum += src[srcRow+x-1]
			integral[y*w+x] = integral[(y-1)*w+x] + rowSum
		}
	}
}

// boxSum returns the sum of the half-open window [y0,y1)×[x0,x1).
func boxSum(integral []uint32, cols, y0, x0, y1, x1 int) uint32 {
	w := cols + 1
	return integral[y1*w+x1] - integral[y0*w+x1] - integral[y1*w+x0] + integral[y0*w+x0]
}

// normalizeToFull stretches the values in place to span 0–255.
func normalizeToFull(v []uint8) {
	minV, maxV := v[0], v[0]
	for _, x := range v {
		if x < minV {
			minV = x
		}
		if x > maxV {
			maxV = x
		}
	}
	if maxV == minV {
		return
	}
	span := int(maxV) - int(minV)
	for i, x := range v {
		v[i] = uint8((int(x) - int(minV)) * 255 / span)
	}
}
