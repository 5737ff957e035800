package rtpmedia

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"

	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
)

func newTestLogger() *logger.Logger {
	l, err := logger.New(logger.NewConfig())
	if err != nil {
		panic(err)
	}
	return l
}

func h264Packet(payload []byte, marker bool, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Marker: marker, Timestamp: ts},
		Payload: payload,
	}
}

func collectFrames(d *H264Depacketizer) *[]model.VideoFrame {
	frames := &[]model.VideoFrame{}
	d.OnFrame = func(f model.VideoFrame) { *frames = append(*frames, f) }
	return frames
}

func TestSingleNALUFirstFrameDuration(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	frames := collectFrames(d)

	idr := []byte{0x65, 0xaa, 0xbb}
	if err := d.ProcessPacket(h264Packet(idr, true, 90000)); err != nil {
		t.Fatal(err)
	}

	if len(*frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(*frames))
	}
	f := (*frames)[0]
	if f.Kind != model.VideoFrameRawH264 {
		t.Errorf("kind = %v, want RawH264", f.Kind)
	}
	want := append([]byte{0x00, 0x00, 0x00, 0x01}, idr...)
	if !bytes.Equal(f.EncodedData, want) {
		t.Errorf("annex-b payload = %x, want %x", f.EncodedData, want)
	}
	if f.DurationRTPUnits != 3000 {
		t.Errorf("first frame duration = %d, want 3000", f.DurationRTPUnits)
	}
}

func TestSubsequentFrameDurationFromTimestampDelta(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	frames := collectFrames(d)

	d.ProcessPacket(h264Packet([]byte{0x65, 0x01}, true, 90000))
	d.ProcessPacket(h264Packet([]byte{0x41, 0x02}, true, 99000))

	if len(*frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(*frames))
	}
	if (*frames)[1].DurationRTPUnits != 9000 {
		t.Errorf("second frame duration = %d, want 9000", (*frames)[1].DurationRTPUnits)
	}
}

func TestFUAReassemblesNALHeader(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	frames := collectFrames(d)

	// FU indicator 0x7C (NRI=3, type 28); fragments of an IDR (type 5).
	start := []byte{0x7C, 0x85, 0x10, 0x11}  // S bit set
	middle := []byte{0x7C, 0x05, 0x20, 0x21} // neither S nor E
	end := []byte{0x7C, 0x45, 0x30, 0x31}    // E bit set

	d.ProcessPacket(h264Packet(start, false, 1000))
	d.ProcessPacket(h264Packet(middle, false, 1000))
	d.ProcessPacket(h264Packet(end, true, 1000))

	if len(*frames) != 1 {
		t.Fatalf("expected 1 frame after FU-A end, got %d", len(*frames))
	}
	want := append([]byte{0x00, 0x00, 0x00, 0x01},
		0x65, // (0x7C & 0xE0) | (0x85 & 0x1F)
		0x10, 0x11, 0x20, 0x21, 0x30, 0x31)
	if !bytes.Equal((*frames)[0].EncodedData, want) {
		t.Errorf("reassembled = %x, want %x", (*frames)[0].EncodedData, want)
	}
}

func TestFUATooShortErrors(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	if err := d.ProcessPacket(h264Packet([]byte{0x7C}, false, 0)); err == nil {
		t.Fatal("one-byte FU-A payload must error")
	}
}

func TestSTAPAUnpacksAggregatedNALUs(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	frames := collectFrames(d)

	sps := []byte{0x67, 0x42, 0xe0, 0x1f}
	pps := []byte{0x68, 0xce}
	payload := []byte{0x78} // STAP-A indicator (type 24)
	payload = append(payload, 0x00, byte(len(sps)))
	payload = append(payload, sps...)
	payload = append(payload, 0x00, byte(len(pps)))
	payload = append(payload, pps...)

	d.ProcessPacket(h264Packet(payload, true, 5000))

	if len(*frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(*frames))
	}
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	want := append(append(append(append([]byte{}, startCode...), sps...), startCode...), pps...)
	if !bytes.Equal((*frames)[0].EncodedData, want) {
		t.Errorf("stap-a annex-b = %x, want %x", (*frames)[0].EncodedData, want)
	}
}

func TestSTAPASizeOverrunErrors(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	payload := []byte{0x78, 0x00, 0x10, 0x67} // claims 16 bytes, provides 1
	if err := d.ProcessPacket(h264Packet(payload, false, 0)); err == nil {
		t.Fatal("oversized STAP-A length must error")
	}
}

func TestMarkerWithEmptyBufferEmitsNothing(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	frames := collectFrames(d)

	d.ProcessPacket(h264Packet(nil, true, 1000))
	if len(*frames) != 0 {
		t.Errorf("empty access unit must not be emitted")
	}
}

func TestAccumulatesAcrossPacketsUntilMarker(t *testing.T) {
	d := NewH264Depacketizer(newTestLogger())
	frames := collectFrames(d)

	d.ProcessPacket(h264Packet([]byte{0x67, 0x01}, false, 2000))
	d.ProcessPacket(h264Packet([]byte{0x68, 0x02}, false, 2000))
	if len(*frames) != 0 {
		t.Fatal("no frame before the marker bit")
	}

	d.ProcessPacket(h264Packet([]byte{0x65, 0x03}, true, 2000))
	if len(*frames) != 1 {
		t.Fatalf("expected 1 frame at the marker, got %d", len(*frames))
	}
	if n := bytes.Count((*frames)[0].EncodedData, []byte{0x00, 0x00, 0x00, 0x01}); n != 3 {
		t.Errorf("expected 3 start codes, found %d", n)
	}
}
