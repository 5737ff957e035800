// Package videnc transcodes the RTSP decode pipeline's I420 output to VP8
// for WebRTC delivery: browsers don't accept raw planar video over a media
// track, so this reuses go-astiav (already linked for decode) on the
// encode side: find the encoder by CodecID, configure a fresh
// CodecContext, Open it, and drive it with the SendFrame/ReceivePacket
// loop.
package videnc

import (
	"errors"
	"fmt"

	astiav "github.com/asticode/go-astiav"
)

const (
	clockRate = 90000
	targetFPS = 10
	bitRate   = 512000
)

// VP8Encoder holds one room's persistent encode state: the codec context
// and its frame/packet buffers are reused across calls so the encoder's
// internal reference frames stay coherent between invocations.
type VP8Encoder struct {
	ctx   *astiav.CodecContext
	frame *astiav.Frame
	pkt   *astiav.Packet

	width, height int
	pts           int64
}

// NewVP8Encoder configures a VP8 encoder for one fixed output size. The
// relay only ever feeds it frames from pkg/rtspmedia's clamped output, so
// width/height are fixed for the encoder's lifetime.
func NewVP8Encoder(width, height int) (*VP8Encoder, error) {
	codec := astiav.FindEncoder(astiav.CodecIDVp8)
	if codec == nil {
		return nil, fmt.Errorf("vp8 encoder not available in this ffmpeg build")
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, fmt.Errorf("alloc vp8 codec context")
	}
	ctx.SetWidth(width)
	ctx.SetHeight(height)
	ctx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ctx.SetTimeBase(astiav.NewRational(1, clockRate))
	ctx.SetFramerate(astiav.NewRational(targetFPS, 1))
	ctx.SetBitRate(bitRate)
	ctx.SetGopSize(targetFPS * 2)

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("open vp8 encoder: %w", err)
	}

	frame := astiav.AllocFrame()
	frame.SetWidth(width)
	frame.SetHeight(height)
	frame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := frame.AllocBuffer(1); err != nil {
		frame.Free()
		ctx.Free()
		return nil, fmt.Errorf("alloc vp8 encode frame buffer: %w", err)
	}

	return &VP8Encoder{
		ctx:    ctx,
		frame:  frame,
		pkt:    astiav.AllocPacket(),
		width:  width,
		height: height,
	}, nil
}

// Close releases the encoder's native resources. Safe to call once.
func (e *VP8Encoder) Close() {
	if e.pkt != nil {
		e.pkt.Free()
	}
	if e.frame != nil {
		e.frame.Free()
	}
	if e.ctx != nil {
		e.ctx.Free()
	}
}

// Encode submits one I420 frame (contiguous Y, then U, then V planes at
// 4:2:0 subsampling) and returns zero or more encoded VP8 payloads; the
// encoder may hold a frame back before it has a packet ready. Each
// returned payload corresponds to one RTP sample of duration
// clockRate/targetFPS (9000) RTP units.
func (e *VP8Encoder) Encode(i420 []byte, width, height int) ([][]byte, error) {
	if width != e.width || height != e.height {
		return nil, fmt.Errorf("vp8 encoder: frame %dx%d does not match configured %dx%d", width, height, e.width, e.height)
	}
	ySize := width * height
	cSize := (width / 2) * (height / 2)
	if len(i420) < ySize+2*cSize {
		return nil, fmt.Errorf("vp8 encoder: short i420 buffer (%d bytes)", len(i420))
	}

	if err := e.frame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("vp8 encoder: make frame writable: %w", err)
	}
	if err := e.frame.Data().SetBytes(i420[:ySize+2*cSize], 1); err != nil {
		return nil, fmt.Errorf("vp8 encoder: fill frame: %w", err)
	}

	e.pts += clockRate / targetFPS
	e.frame.SetPts(e.pts)

	if err := e.ctx.SendFrame(e.frame); err != nil {
		return nil, fmt.Errorf("vp8 encode send frame: %w", err)
	}

	var out [][]byte
	for {
		if err := e.ctx.ReceivePacket(e.pkt); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return out, fmt.Errorf("vp8 encode receive packet: %w", err)
		}
		out = append(out, append([]byte(nil), e.pkt.Data()...))
		e.pkt.Unref()
	}
	return out, nil
}

// DurationRTPUnits is the fixed per-sample duration VP8Encoder's output
// payloads carry at the clamped 10fps cadence.
const DurationRTPUnits = clockRate / targetFPS
