// Package model holds the data records shared across the relay: room
// configuration, global audio settings, and the frame/event types that
// flow from readers through processors to peer connections.
package model

import (
	"fmt"
	"strconv"
	"time"
)

// StreamSourceType identifies where a room's media originates.
type StreamSourceType string

const (
	SourceRTSP       StreamSourceType = "rtsp"
	SourceGoogleNest StreamSourceType = "google_nest"
)

// Room is a configuration record bound to one camera.
type Room struct {
	ID                int32            `json:"id"`
	Name              string           `json:"name"`
	StreamSourceType  StreamSourceType `json:"streamSourceType"`
	EnableAudioStream bool             `json:"enableAudioStream"`
	EnableVideoStream bool             `json:"enableVideoStream"`
	CameraStreamURL   string           `json:"cameraStreamUrl,omitempty"` // required when StreamSourceType == SourceRTSP
	CameraCredentials *Credentials     `json:"cameraCredentials,omitempty"`
	NestDeviceID      string           `json:"nestDeviceId,omitempty"` // required when StreamSourceType == SourceGoogleNest
}

// Credentials holds RTSP basic-auth credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func errMissingField(field string, roomID int32) error {
	return fmt.Errorf("room %d: missing required field %q", roomID, field)
}

func errUnknownSourceType(t StreamSourceType, roomID int32) error {
	return fmt.Errorf("room %d: unknown stream source type %q", roomID, t)
}

// Validate checks the per-source-type invariants described in the data model.
func (r Room) Validate() error {
	switch r.StreamSourceType {
	case SourceRTSP:
		if r.CameraStreamURL == "" {
			return errMissingField("camera_stream_url", r.ID)
		}
	case SourceGoogleNest:
		if r.NestDeviceID == "" {
			return errMissingField("nest_device_id", r.ID)
		}
	default:
		return errUnknownSourceType(r.StreamSourceType, r.ID)
	}
	return nil
}

// GlobalSettings is the single process-wide audio tuning record.
type GlobalSettings struct {
	SoundThresholdDB      float64 `json:"soundThresholdDb"`
	AverageSampleCount    int     `json:"averageSampleCount"`
	FilterEnabled         bool    `json:"filterEnabled"`
	LowPassHz             float64 `json:"lowPassHz"`
	HighPassHz            float64 `json:"highPassHz"`
	ThresholdPauseSeconds int     `json:"thresholdPauseSeconds"`
	VolumeAdjustmentDB    float64 `json:"volumeAdjustmentDb"`
}

// DefaultGlobalSettings returns the stock tuning used to seed the
// settings store on first run.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		SoundThresholdDB:      -20,
		AverageSampleCount:    10,
		FilterEnabled:         true,
		LowPassHz:             4000,
		HighPassHz:            300,
		ThresholdPauseSeconds: 30,
		VolumeAdjustmentDB:    -15,
	}
}

// SampleFormat tags the layout of a raw decoded audio buffer.
type SampleFormat int

const (
	SampleFormatS16 SampleFormat = iota
	SampleFormatS32
	SampleFormatF32
	SampleFormatF64
	SampleFormatS16Planar
	SampleFormatS32Planar
	SampleFormatF32Planar
	SampleFormatF64Planar
)

// AudioFrameRaw is what an RtspAudioReader emits before processing.
type AudioFrameRaw struct {
	PCM            []byte
	BytesPerSample int
	SampleRate     int
	Channels       int
	IsPlanar       bool
	SampleFormat   SampleFormat
}

// AudioFrame is a processed, room-scoped audio frame ready for distribution.
type AudioFrame struct {
	RoomID           int32
	PCMData          []byte // 16-bit little-endian, populated for the RTSP path
	AudioLevelDB     float64
	SampleRate       int
	Channels         int
	Timestamp        time.Time
	RawOpus          []byte // set only for Nest passthrough
	HasRawOpus       bool
	DurationRTPUnits uint32
}

// VideoFrameKind discriminates the VideoFrame union.
type VideoFrameKind int

const (
	VideoFrameI420 VideoFrameKind = iota
	VideoFrameRawH264
	VideoFrameVP8
)

// VideoFrame carries exactly one populated variant, selected by Kind.
type VideoFrame struct {
	Kind VideoFrameKind

	// I420 variant: raw decoded/scaled planes straight off the RTSP
	// decode pipeline, before any WebRTC-bound encoding.
	Width       int
	Height      int
	Data        []byte
	TimestampMs int64

	// RawH264 variant (Nest passthrough, Annex-B) and VP8 variant (RTSP
	// transcode): one already-encoded payload ready for an RTP sample.
	EncodedData      []byte
	DurationRTPUnits uint32
}

// PeerConnectionKey identifies one peer's subscription to one room's media.
// Audio and video keyspaces are kept disjoint by construction (see AudioKey and VideoKey).
type PeerConnectionKey struct {
	PeerID string
	RoomID int32
}

func (k PeerConnectionKey) audioKey() string {
	return k.PeerID + "_a_" + strconv.FormatInt(int64(k.RoomID), 10)
}

func (k PeerConnectionKey) videoKey() string {
	return k.PeerID + "_v_" + strconv.FormatInt(int64(k.RoomID), 10)
}

// AudioKey returns the "{peer}_a_{room}" key used by AudioWebRtcService.
func (k PeerConnectionKey) AudioKey() string { return k.audioKey() }

// VideoKey returns the "{peer}_v_{room}" key used by VideoWebRtcService.
func (k PeerConnectionKey) VideoKey() string { return k.videoKey() }

// SoundAlert is emitted when a room's metered level crosses the threshold.
type SoundAlert struct {
	RoomID      int32     `json:"roomId"`
	LevelDB     float64   `json:"levelDb"`
	ThresholdDB float64   `json:"thresholdDb"`
	Timestamp   time.Time `json:"timestamp"`
}
