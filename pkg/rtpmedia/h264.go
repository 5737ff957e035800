// Package rtpmedia depacketizes the RTP media Nest's WebRTC streams
// deliver, producing the wire-format types NestStreamReader hands to the
// rest of the relay: Annex-B H.264 access units and Opus frames.
package rtpmedia

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
)

const (
	naluTypePFrame = 1
	naluTypeIFrame = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28

	firstFrameDurationRTPUnits = 3000
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Depacketizer reconstructs Annex-B access units from H.264 RTP
// packets, handling single NALUs, FU-A fragmentation, and STAP-A
// aggregation.
type H264Depacketizer struct {
	logger *logger.Logger

	pending []byte   // in-progress FU-A reassembly
	nalus   [][]byte // complete NALUs accumulated for the current access unit

	haveLastTS bool
	lastRTPTS  uint32

	// OnFrame is called once per RTP marker bit with one Annex-B access
	// unit and its duration in RTP clock units.
	OnFrame func(frame model.VideoFrame)
}

func NewH264Depacketizer(log *logger.Logger) *H264Depacketizer {
	return &H264Depacketizer{logger: log}
}

// ProcessPacket feeds one RTP packet through the depacketizer.
func (d *H264Depacketizer) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	payload := packet.Payload
	naluType := payload[0] & 0x1F

	switch naluType {
	case naluTypeFUA:
		if err := d.processFUA(payload); err != nil {
			return err
		}
	case naluTypeSTAPA:
		if err := d.processSTAPA(payload); err != nil {
			return err
		}
	default:
		d.logger.DebugNALUnit(naluType, len(payload), false)
		d.appendNALU(append([]byte(nil), payload...))
	}

	if packet.Marker {
		d.emit(packet.Timestamp)
	}

	return nil
}

func (d *H264Depacketizer) processFUA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := payload[0]
	fuHeader := payload[1]
	fragment := payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		d.pending = d.pending[:0]
		nalHeader := (fuIndicator & 0xE0) | naluType
		d.pending = append(d.pending, nalHeader)
	}

	d.pending = append(d.pending, fragment...)

	if end {
		d.logger.DebugNALUnit(naluType, len(d.pending), true)
		d.appendNALU(append([]byte(nil), d.pending...))
		d.pending = d.pending[:0]
	}

	return nil
}

func (d *H264Depacketizer) processSTAPA(payload []byte) error {
	rest := payload[1:]
	for len(rest) > 2 {
		size := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if len(rest) < int(size) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}
		nalu := rest[:size]
		rest = rest[size:]
		if len(nalu) > 0 {
			d.logger.DebugNALUnit(nalu[0]&0x1F, len(nalu), false)
		}
		d.appendNALU(append([]byte(nil), nalu...))
	}
	return nil
}

func (d *H264Depacketizer) appendNALU(nalu []byte) {
	d.nalus = append(d.nalus, nalu)
}

func (d *H264Depacketizer) emit(rtpTimestamp uint32) {
	if len(d.nalus) == 0 {
		return
	}

	var duration uint32
	if !d.haveLastTS {
		duration = firstFrameDurationRTPUnits
	} else {
		duration = rtpTimestamp - d.lastRTPTS
	}
	d.lastRTPTS = rtpTimestamp
	d.haveLastTS = true

	total := 0
	for _, n := range d.nalus {
		total += len(annexBStartCode) + len(n)
	}
	data := make([]byte, 0, total)
	for _, n := range d.nalus {
		data = append(data, annexBStartCode...)
		data = append(data, n...)
	}

	d.nalus = d.nalus[:0]

	if d.OnFrame != nil {
		d.OnFrame(model.VideoFrame{
			Kind:             model.VideoFrameRawH264,
			EncodedData:      data,
			DurationRTPUnits: duration,
		})
	}
}
