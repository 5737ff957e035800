package rtspmedia

import "testing"

func TestClampDims(t *testing.T) {
	tests := []struct {
		name       string
		srcW, srcH int
		wantW      int
		wantH      int
	}{
		{"already within bounds", 320, 240, 320, 240},
		{"odd dims rounded down", 321, 241, 320, 240},
		{"wide source clamped by width", 1920, 1080, 640, 360},
		{"tall source clamped by height", 480, 960, 240, 480},
		{"exact bound passthrough", 640, 480, 640, 480},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := clampDims(tt.srcW, tt.srcH)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("clampDims(%d, %d) = (%d, %d), want (%d, %d)", tt.srcW, tt.srcH, w, h, tt.wantW, tt.wantH)
			}
			if w%2 != 0 || h%2 != 0 {
				t.Errorf("clampDims(%d, %d) produced odd dimensions (%d, %d)", tt.srcW, tt.srcH, w, h)
			}
		})
	}
}
