package nest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mira/nursery-relay/pkg/apperr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *DeviceClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewDeviceClient("project-1", staticTokens{}, newTestLogger())
	c.baseURL = server.URL
	return c
}

func TestListDevicesFiltersCameras(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"devices": []map[string]string{
				{"name": "enterprises/p/devices/cam", "type": "sdm.devices.types.CAMERA"},
				{"name": "enterprises/p/devices/bell", "type": "sdm.devices.types.DOORBELL"},
				{"name": "enterprises/p/devices/thermo", "type": "sdm.devices.types.THERMOSTAT"},
			},
		})
	})

	devices, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 camera-like devices, got %d", len(devices))
	}
	for _, d := range devices {
		if d.Name == "enterprises/p/devices/thermo" {
			t.Error("thermostat must be filtered out")
		}
	}
}

func TestGenerateWebRTCStreamParsesAnswer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Command string `json:"command"`
			Params  struct {
				OfferSDP string `json:"offerSdp"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Command != "sdm.devices.commands.CameraLiveStream.GenerateWebRtcStream" {
			t.Errorf("unexpected command %q", body.Command)
		}
		if body.Params.OfferSDP != "v=0 offer" {
			t.Errorf("offer not forwarded: %q", body.Params.OfferSDP)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": map[string]string{
				"answerSdp":      "v=0 answer",
				"mediaSessionId": "sess-123",
			},
		})
	})

	answer, sessionID, err := c.GenerateWebRTCStream(context.Background(), "enterprises/p/devices/cam", "v=0 offer")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "v=0 answer" || sessionID != "sess-123" {
		t.Errorf("got (%q, %q)", answer, sessionID)
	}
}

func TestRateLimitResponses(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter string
		want       time.Duration
	}{
		{"server-provided delay", "120", 120 * time.Second},
		{"below the floor", "10", 30 * time.Second},
		{"header absent", "", 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(http.StatusTooManyRequests)
			})

			err := c.ExtendWebRTCStream(context.Background(), "enterprises/p/devices/cam", "sess-1")
			rl, ok := apperr.IsRateLimit(err)
			if !ok {
				t.Fatalf("expected a rate-limit error, got %v", err)
			}
			if rl.RetryAfter != tt.want {
				t.Errorf("RetryAfter = %v, want %v", rl.RetryAfter, tt.want)
			}
		})
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.StopWebRTCStream(context.Background(), "enterprises/p/devices/cam", "sess-1")
	if !apperr.IsTransient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
}

func TestClientErrorIsNotRetriable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	err := c.StopWebRTCStream(context.Background(), "enterprises/p/devices/cam", "sess-1")
	if err == nil {
		t.Fatal("expected an error for 400")
	}
	if apperr.IsTransient(err) {
		t.Error("4xx must not be classified transient")
	}
	if _, ok := apperr.IsRateLimit(err); ok {
		t.Error("4xx other than 429 must not be classified rate-limited")
	}
}
