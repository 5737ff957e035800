package audio

import (
	"encoding/binary"
	"math"

	"github.com/mira/nursery-relay/pkg/model"
)

// toFloat32 converts a raw decoded sample buffer to normalized [-1, 1]
// float32 samples, interleaved. The conversion is a tagged switch on
// SampleFormat (per the design note: dynamic sample-format dispatch is a
// tagged match, not virtual dispatch), not a polymorphic decoder hierarchy.
func toFloat32(frame model.AudioFrameRaw) []float32 {
	switch frame.SampleFormat {
	case model.SampleFormatS16:
		return convertS16(frame.PCM, false, frame.Channels)
	case model.SampleFormatS16Planar:
		return convertS16(frame.PCM, true, frame.Channels)
	case model.SampleFormatS32:
		return convertS32(frame.PCM, false, frame.Channels)
	case model.SampleFormatS32Planar:
		return convertS32(frame.PCM, true, frame.Channels)
	case model.SampleFormatF32:
		return convertF32(frame.PCM, false, frame.Channels)
	case model.SampleFormatF32Planar:
		return convertF32(frame.PCM, true, frame.Channels)
	case model.SampleFormatF64:
		return convertF64(frame.PCM, false, frame.Channels)
	case model.SampleFormatF64Planar:
		return convertF64(frame.PCM, true, frame.Channels)
	default:
		return nil
	}
}

func convertS16(pcm []byte, planar bool, channels int) []float32 {
	n := len(pcm) / 2
	raw := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		raw[i] = float32(v) / 32768.0
	}
	return reinterleave(raw, planar, channels)
}

func convertS32(pcm []byte, planar bool, channels int) []float32 {
	n := len(pcm) / 4
	raw := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int32(binary.LittleEndian.Uint32(pcm[i*4:]))
		raw[i] = float32(float64(v) / 2147483648.0)
	}
	return reinterleave(raw, planar, channels)
}

func convertF32(pcm []byte, planar bool, channels int) []float32 {
	n := len(pcm) / 4
	raw := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(pcm[i*4:])
		raw[i] = clampF32(math.Float32frombits(bits))
	}
	return reinterleave(raw, planar, channels)
}

func convertF64(pcm []byte, planar bool, channels int) []float32 {
	n := len(pcm) / 8
	raw := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint64(pcm[i*8:])
		raw[i] = clampF32(float32(math.Float64frombits(bits)))
	}
	return reinterleave(raw, planar, channels)
}

func clampF32(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}

// reinterleave reorders a planar channel-major buffer (ch0 samples..., ch1
// samples...) into frame-major interleaved order. No-op for already
// interleaved buffers.
func reinterleave(samples []float32, planar bool, channels int) []float32 {
	if !planar || channels <= 1 {
		return samples
	}
	perChannel := len(samples) / channels
	out := make([]float32, len(samples))
	for ch := 0; ch < channels; ch++ {
		for i := 0; i < perChannel; i++ {
			out[i*channels+ch] = samples[ch*perChannel+i]
		}
	}
	return out
}

// pcm16LE encodes interleaved float32 samples back to 16-bit little-endian
// PCM, clipping to the int16 domain.
func pcm16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * 32767))
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// applyVolumeDB applies a gain of 10^(db/20) to each sample, clipping to
// [-1, 1].
func applyVolumeDB(samples []float32, db float64) {
	if db == 0 {
		return
	}
	mult := float32(math.Pow(10, db/20))
	for i, s := range samples {
		samples[i] = clampF32(s * mult)
	}
}
