// Package nest implements the Google Nest SDM integration: the REST
// client (NestDeviceClient), the per-camera WebRTC negotiation
// (NestStreamReader), and the reference-counted reader registry
// (NestStreamReaderManager).
package nest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/logger"
)

const sdmBaseURL = "https://smartdevicemanagement.googleapis.com/v1"

// TokenProvider supplies a valid SDM access token on demand. See oauth.go
// for a refresh-token implementation.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// Device is one entry from ListDevices.
type Device struct {
	Name   string `json:"name"` // full resource name, used as device_id
	Type   string `json:"type"`
	Traits struct {
		Info struct {
			CustomName string `json:"customName"`
		} `json:"sdm.devices.traits.Info"`
	} `json:"traits"`
}

// DeviceClient is the REST client for the SDM device and live-stream
// command endpoints.
type DeviceClient struct {
	baseURL    string
	projectID  string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *logger.Logger
	queue      *CommandQueue
}

func NewDeviceClient(projectID string, tokens TokenProvider, log *logger.Logger) *DeviceClient {
	return &DeviceClient{
		baseURL:    sdmBaseURL,
		projectID:  projectID,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

// WithCommandQueue routes GenerateWebRTCStream/ExtendWebRTCStream calls
// through a shared, rate-limited priority queue so many rooms' commands
// stay under SDM's per-project quota; extends are prioritized over
// generates so a live session is never starved by a reconnect storm.
func (c *DeviceClient) WithCommandQueue(q *CommandQueue) *DeviceClient {
	c.queue = q
	return c
}

// ListDevices returns devices whose type contains CAMERA or DOORBELL.
func (c *DeviceClient) ListDevices(ctx context.Context) ([]Device, error) {
	var resp struct {
		Devices []Device `json:"devices"`
	}
	if err := c.get(ctx, fmt.Sprintf("/enterprises/%s/devices", c.projectID), &resp); err != nil {
		return nil, err
	}

	cameras := make([]Device, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		if strings.Contains(d.Type, "CAMERA") || strings.Contains(d.Type, "DOORBELL") {
			cameras = append(cameras, d)
		}
	}
	c.logger.DebugNest("listed devices", "total", len(resp.Devices), "cameras", len(cameras))
	return cameras, nil
}

// GenerateWebRTCStream negotiates a new WebRTC stream for deviceName,
// submitting offerSDP and returning the SDM answer and a media session id
// with a 5-minute expiry.
func (c *DeviceClient) GenerateWebRTCStream(ctx context.Context, deviceName, offerSDP string) (answerSDP, mediaSessionID string, err error) {
	var result struct {
		Results struct {
			AnswerSDP      string `json:"answerSdp"`
			MediaSessionID string `json:"mediaSessionId"`
		} `json:"results"`
	}
	body := map[string]interface{}{
		"command": "sdm.devices.commands.CameraLiveStream.GenerateWebRtcStream",
		"params":  map[string]interface{}{"offerSdp": offerSDP},
	}
	c.logger.DebugNest("generating webrtc stream", "device_id", deviceName)
	run := func() error { return c.post(ctx, deviceName, body, &result) }
	if c.queue != nil {
		if err := c.queue.SubmitGenerate(deviceName, run); err != nil {
			return "", "", err
		}
	} else if err := run(); err != nil {
		return "", "", err
	}
	return result.Results.AnswerSDP, result.Results.MediaSessionID, nil
}

// ExtendWebRTCStream extends an active session's 5-minute expiry.
func (c *DeviceClient) ExtendWebRTCStream(ctx context.Context, deviceName, mediaSessionID string) error {
	body := map[string]interface{}{
		"command": "sdm.devices.commands.CameraLiveStream.ExtendWebRtcStream",
		"params":  map[string]interface{}{"mediaSessionId": mediaSessionID},
	}
	c.logger.DebugNest("extending webrtc stream", "device_id", deviceName, "media_session_id", mediaSessionID)
	run := func() error { return c.post(ctx, deviceName, body, nil) }
	if c.queue != nil {
		return c.queue.SubmitExtend(deviceName, run)
	}
	return run()
}

// StopWebRTCStream tears down an active session.
func (c *DeviceClient) StopWebRTCStream(ctx context.Context, deviceName, mediaSessionID string) error {
	body := map[string]interface{}{
		"command": "sdm.devices.commands.CameraLiveStream.StopWebRtcStream",
		"params":  map[string]interface{}{"mediaSessionId": mediaSessionID},
	}
	return c.post(ctx, deviceName, body, nil)
}

func (c *DeviceClient) get(ctx context.Context, path string, out interface{}) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Transient("sdm request", err)
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, out)
}

func (c *DeviceClient) post(ctx context.Context, deviceName string, payload interface{}, out interface{}) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	uri := fmt.Sprintf("%s/%s:executeCommand", c.baseURL, deviceName)
	req, err := http.NewRequestWithContext(ctx, "POST", uri, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Transient("sdm request", err)
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, out)
}

func (c *DeviceClient) handleResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 60 * time.Second
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return apperr.RateLimit(retryAfter, fmt.Errorf("SDM API returned 429: %s", body))
	case resp.StatusCode >= 500:
		return apperr.Transient("sdm", fmt.Errorf("API returned %d: %s", resp.StatusCode, body))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
