package audio

import (
	"fmt"
	"math"

	"github.com/hraban/opus"
)

// OpusSampleRate is the fixed rate WebRTC's Opus payloader expects.
const OpusSampleRate = 48000

const opusFrameMs = 20

// OpusEncoder packages the RTSP audio path's 16-bit PCM (at whatever rate
// the camera decodes to) into 48kHz, 20ms Opus frames for the webrtc
// package to hand to a TrackLocalStaticSample. Rate conversion goes
// through the linear-interpolation Resampler; encoding uses the same
// hraban/opus binding the Nest metering decode does.
type OpusEncoder struct {
	enc       *opus.Encoder
	resampler *Resampler
	channels  int
	pending   []float32
}

// NewOpusEncoder builds an encoder that resamples from sourceSampleRate to
// 48kHz before encoding.
func NewOpusEncoder(sourceSampleRate, channels int) (*OpusEncoder, error) {
	if channels <= 0 {
		channels = 1
	}
	enc, err := opus.NewEncoder(OpusSampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("new opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		resampler: NewResampler(sourceSampleRate, OpusSampleRate, channels),
		channels:  channels,
	}, nil
}

// Encode accepts one frame of 16-bit little-endian PCM at the source rate
// (as produced by AudioFrame.PCMData) and returns zero or more complete
// 20ms Opus frames, buffering any leftover samples for the next call.
func (e *OpusEncoder) Encode(pcm16LEData []byte) ([][]byte, error) {
	samples := convertS16(pcm16LEData, false, e.channels)
	resampled := e.resampler.Resample(samples)
	e.pending = append(e.pending, resampled...)

	frameSamples := OpusSampleRate / 1000 * opusFrameMs * e.channels

	var out [][]byte
	for len(e.pending) >= frameSamples {
		pcm16 := floatToInt16(e.pending[:frameSamples])
		buf := make([]byte, 4000)
		n, err := e.enc.Encode(pcm16, buf)
		if err != nil {
			return out, fmt.Errorf("opus encode: %w", err)
		}
		out = append(out, append([]byte(nil), buf[:n]...))
		e.pending = e.pending[frameSamples:]
	}
	return out, nil
}

// FrameDurationRTPUnits is the RTP-clock duration (48kHz) of one 20ms Opus
// frame this encoder produces.
func (e *OpusEncoder) FrameDurationRTPUnits() uint32 {
	return OpusSampleRate / 1000 * opusFrameMs
}

func floatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := int32(math.Round(float64(s) * 32767))
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
