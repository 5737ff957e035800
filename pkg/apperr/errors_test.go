package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRateLimitFloor(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"above floor", 120 * time.Second, 120 * time.Second},
		{"below floor", 5 * time.Second, 30 * time.Second},
		{"zero", 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl, ok := IsRateLimit(RateLimit(tt.in, errors.New("429")))
			if !ok {
				t.Fatal("RateLimit() did not produce a RateLimitError")
			}
			if rl.RetryAfter != tt.want {
				t.Errorf("RetryAfter = %v, want %v", rl.RetryAfter, tt.want)
			}
		})
	}
}

func TestTaxonomySurvivesWrapping(t *testing.T) {
	base := Transient("rtsp read", errors.New("connection reset"))
	wrapped := fmt.Errorf("reader loop: %w", base)

	if !IsTransient(wrapped) {
		t.Error("transient classification lost through wrapping")
	}
	if IsNotFound(wrapped) {
		t.Error("transient error misclassified as not-found")
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("audio connection peer_a_3")
	if !IsNotFound(err) {
		t.Fatal("NotFound() not recognized by IsNotFound")
	}
	if IsTransient(err) {
		t.Error("not-found error misclassified as transient")
	}
}

func TestUnwrapChains(t *testing.T) {
	inner := errors.New("root cause")
	for _, err := range []error{
		Transient("op", inner),
		Protocol("sdp", inner),
		Config("camera_stream_url", inner),
		Fatal("open codec", inner),
		RateLimit(time.Minute, inner),
	} {
		if !errors.Is(err, inner) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
}
