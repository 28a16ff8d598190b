package camera

import (
	"log/slog"

	"gocv.io/x/gocv"
)

// Info describes one discovered capture device.
type Info struct {
	ID     int
	Width  int
	Height int
}

// Probe scans device ids [0, maxID) and reports the ones that open and
// deliver a frame. Devices in use by another process count as unavailable.
func Probe(maxID int) []Info {
	var found []Info

	img := gocv.NewMat()
	defer img.Close()

	for id := 0; id < maxID; id++ {
		cap, err := gocv.OpenVideoCapture(id)
		if err != nil || !cap.IsOpened() {
			slog.Debug("camera id not available", "id", id)
			if cap != nil {
				cap.Close()
			}
			continue
		}
		if cap.Read(&img) && !img.Empty() {
			found = append(found, Info{
				ID:     id,
				Width:  img.Cols(),
				Height: img.Rows(),
			})
		}
		cap.Close()
	}
	return found
}
