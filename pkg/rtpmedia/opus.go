package rtpmedia

import (
	"github.com/hraban/opus"
	"github.com/pion/rtp"

	"github.com/mira/nursery-relay/pkg/logger"
)

const (
	opusDecodeSampleRate = 48000
	opusDecodeChannels   = 2
	opusMaxFrameSamples  = 5760 // 120ms at 48kHz, the largest Opus frame size
)

// OpusUnit is one depacketized Opus RTP payload, with the PCM decode used
// only for loudness metering (the encoded bytes are what gets forwarded).
type OpusUnit struct {
	RawOpus          []byte
	DurationRTPUnits uint32
	PCM              []float32 // 48kHz stereo, empty if decode failed
}

// OpusDepacketizer extracts one Opus frame per RTP packet (no AU-header
// framing, unlike AAC) and decodes it in parallel for metering. A decode
// failure never blocks the passthrough path: the encoded payload is
// forwarded with an empty PCM slice.
type OpusDepacketizer struct {
	decoder *opus.Decoder
	logger  *logger.Logger

	OnUnit func(OpusUnit)
}

func NewOpusDepacketizer(log *logger.Logger) (*OpusDepacketizer, error) {
	dec, err := opus.NewDecoder(opusDecodeSampleRate, opusDecodeChannels)
	if err != nil {
		return nil, err
	}
	return &OpusDepacketizer{decoder: dec, logger: log}, nil
}

// ProcessPacket depacketizes one RTP packet carrying an Opus payload.
func (d *OpusDepacketizer) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	raw := append([]byte(nil), packet.Payload...)

	pcmInterleaved := make([]int16, opusMaxFrameSamples*opusDecodeChannels)
	n, err := d.decoder.Decode(raw, pcmInterleaved)
	var pcm []float32
	sampleCount := 0
	if err != nil {
		d.logger.Warn("opus decode failed, forwarding passthrough only", "error", err)
	} else {
		sampleCount = n
		pcm = make([]float32, n*opusDecodeChannels)
		for i := range pcm {
			pcm[i] = float32(pcmInterleaved[i]) / 32768.0
		}
	}

	if d.OnUnit != nil {
		d.OnUnit(OpusUnit{
			RawOpus:          raw,
			DurationRTPUnits: uint32(sampleCount),
			PCM:              pcm,
		})
	}

	return nil
}
