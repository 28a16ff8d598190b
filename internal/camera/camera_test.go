package camera

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"
)

func TestMockReadProducesFill(t *testing.T) {
	m := NewMock(16, 8, 30, 60, 90)
	defer m.Close()

	img := gocv.NewMat()
	defer img.Close()
	if !m.Read(&img) {
		t.Fatal("read failed")
	}
	if img.Cols() != 16 || img.Rows() != 8 {
		t.Fatalf("expected 16x8, got %dx%d", img.Cols(), img.Rows())
	}
	data := img.ToBytes()
	if data[0] != 30 || data[1] != 60 || data[2] != 90 {
		t.Errorf("expected BGR fill (30, 60, 90), got %v", data[:3])
	}
	if m.Reads() != 1 {
		t.Errorf("expected 1 read, got %d", m.Reads())
	}
}

func TestMockUnknownParameter(t *testing.T) {
	m := NewMock(16, 8, 0, 0, 0)
	defer m.Close()

	if err := m.Set("shutter_angle", 180); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("expected ErrUnknownParameter, got %v", err)
	}
	if _, err := m.Get("shutter_angle"); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("expected ErrUnknownParameter, got %v", err)
	}
}

func TestMockRangeRejection(t *testing.T) {
	m := NewMock(16, 8, 0, 0, 0)
	defer m.Close()
	m.SetRange(ParamExposure, -7, -1)

	if err := m.Set(ParamExposure, -3); err != nil {
		t.Fatalf("in-range set failed: %v", err)
	}
	if err := m.Set(ParamExposure, 0); !errors.Is(err, ErrSetRejected) {
		t.Errorf("expected ErrSetRejected, got %v", err)
	}
	if got, _ := m.Get(ParamExposure); got != -3 {
		t.Errorf("rejected set must not change the value, got %v", got)
	}
}

// Drivers quantize property values; a read-back that moved off its previous
// value is an accepted write even when it differs from the request. Only a
// read-back stuck at the previous value counts as rejected.
func TestSetReadbackAcceptance(t *testing.T) {
	cases := []struct {
		name                 string
		requested, prev, got float64
		accepted             bool
	}{
		{"exact match", -4, -3, -4, true},
		{"float drift", 0.3, 0, 0.3000000001, true},
		{"quantized to nearest step", -4.5, -3, -4, true},
		{"already at requested value", 2, 2, 2, true},
		{"ignored by device", 10, 2, 2, false},
		{"clamped back to previous", -8, -7, -7, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := setAccepted(tc.requested, tc.prev, tc.got); got != tc.accepted {
				t.Errorf("setAccepted(%v, %v, %v) = %v, want %v",
					tc.requested, tc.prev, tc.got, got, tc.accepted)
			}
		})
	}
}

func TestMockClosedDevice(t *testing.T) {
	m := NewMock(16, 8, 0, 0, 0)
	m.Close()
	m.Close() // idempotent

	img := gocv.NewMat()
	defer img.Close()
	if m.Read(&img) {
		t.Error("read after close must fail")
	}
	if err := m.Set(ParamGain, 1); !errors.Is(err, ErrDeviceAbsent) {
		t.Errorf("expected ErrDeviceAbsent, got %v", err)
	}
}
