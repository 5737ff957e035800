package rtspmedia

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	astiav "github.com/asticode/go-astiav"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
)

const (
	maxOutputWidth  = 640
	maxOutputHeight = 480
	targetFPS       = 10
)

// RtspVideoReader pulls one RTSP stream and decodes its video track to
// capped-resolution, frame-rate-limited I420 frames.
type RtspVideoReader struct {
	url    string
	creds  *model.Credentials
	logger *logger.Logger

	OnFrame func(model.VideoFrame)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRtspVideoReader(url string, creds *model.Credentials, log *logger.Logger) *RtspVideoReader {
	return &RtspVideoReader{url: url, creds: creds, logger: log.With("url", redactURL(url))}
}

func (r *RtspVideoReader) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
}

func (r *RtspVideoReader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("rtsp video reader did not stop within bounded delay")
	}
	return nil
}

func (r *RtspVideoReader) run() {
	defer r.wg.Done()

	for {
		if r.ctx.Err() != nil {
			return
		}

		fc, streamIdx, dec, err := r.connectWithRetry()
		if err != nil {
			r.logger.Warn("rtsp video connect failed after retries", "error", err)
			select {
			case <-time.After(connectRetryGap):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		r.decodeLoop(fc, streamIdx, dec)
	}
}

func (r *RtspVideoReader) connectWithRetry() (*astiav.FormatContext, int, *astiav.CodecContext, error) {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if r.ctx.Err() != nil {
			return nil, 0, nil, r.ctx.Err()
		}
		fc, idx, dec, err := r.connect()
		if err == nil {
			return fc, idx, dec, nil
		}
		lastErr = err
		if attempt < connectAttempts-1 {
			select {
			case <-time.After(connectRetryGap):
			case <-r.ctx.Done():
				return nil, 0, nil, r.ctx.Err()
			}
		}
	}
	return nil, 0, nil, apperr.Transient("rtsp connect", lastErr)
}

func (r *RtspVideoReader) connect() (*astiav.FormatContext, int, *astiav.CodecContext, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, 0, nil, fmt.Errorf("alloc format context")
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("rtsp_transport", "tcp", 0)
	_ = opts.Set("max_delay", "100000", 0)
	_ = opts.Set("analyzeduration", "1000000", 0)
	_ = opts.Set("probesize", "32768", 0)

	if err := fc.OpenInput(authenticatedURL(r.url, r.creds), nil, opts); err != nil {
		fc.Free()
		return nil, 0, nil, fmt.Errorf("open input: %w", err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		return nil, 0, nil, fmt.Errorf("find stream info: %w", err)
	}

	streamIdx := -1
	for i, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			streamIdx = i
			break
		}
	}
	if streamIdx < 0 {
		fc.CloseInput()
		return nil, 0, nil, fmt.Errorf("no video stream found")
	}

	par := fc.Streams()[streamIdx].CodecParameters()
	decoder := astiav.FindDecoder(par.CodecID())
	if decoder == nil {
		fc.CloseInput()
		return nil, 0, nil, fmt.Errorf("no decoder for codec %s", par.CodecID())
	}

	dec := astiav.AllocCodecContext(decoder)
	if dec == nil {
		fc.CloseInput()
		return nil, 0, nil, fmt.Errorf("alloc codec context")
	}
	if err := par.ToCodecContext(dec); err != nil {
		dec.Free()
		fc.CloseInput()
		return nil, 0, nil, fmt.Errorf("codec parameters to context: %w", err)
	}

	decOpts := astiav.NewDictionary()
	defer decOpts.Free()
	if err := dec.Open(decoder, decOpts); err != nil {
		dec.Free()
		fc.CloseInput()
		return nil, 0, nil, fmt.Errorf("open decoder: %w", err)
	}

	return fc, streamIdx, dec, nil
}

func (r *RtspVideoReader) decodeLoop(fc *astiav.FormatContext, streamIdx int, dec *astiav.CodecContext) {
	defer fc.CloseInput()
	defer fc.Free()
	defer dec.Free()

	stream := fc.Streams()[streamIdx]
	tb := stream.TimeBase()
	var minPTSGap int64
	if tb.Num() > 0 {
		minPTSGap = int64(tb.Den()) / (int64(tb.Num()) * targetFPS)
	}
	r.logger.DebugRTSP("video stream opened", "time_base_num", tb.Num(), "time_base_den", tb.Den(), "min_pts_gap", minPTSGap)

	var scaler *astiav.SoftwareScaleContext
	var dstFrame *astiav.Frame
	var dstW, dstH int
	var curSrcW, curSrcH int
	defer func() {
		if scaler != nil {
			scaler.Free()
		}
		if dstFrame != nil {
			dstFrame.Free()
		}
	}()

	var haveLastPTS bool
	var lastPTS int64

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	frame := astiav.AllocFrame()
	defer frame.Free()

	for {
		if r.ctx.Err() != nil {
			return
		}

		if err := fc.ReadFrame(pkt); err != nil {
			return
		}
		if pkt.StreamIndex() != streamIdx {
			pkt.Unref()
			continue
		}

		if err := dec.SendPacket(pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
			pkt.Unref()
			continue
		}

		for {
			if err := dec.ReceiveFrame(frame); err != nil {
				break
			}

			pts := frame.Pts()
			if haveLastPTS && minPTSGap > 0 && pts-lastPTS < minPTSGap {
				frame.Unref()
				continue
			}

			if scaler == nil || frame.Width() != curSrcW || frame.Height() != curSrcH {
				curSrcW, curSrcH = frame.Width(), frame.Height()
				dstW, dstH = clampDims(curSrcW, curSrcH)
				var err error
				if scaler != nil {
					scaler.Free()
				}
				if dstFrame != nil {
					dstFrame.Free()
				}
				scaler, err = astiav.CreateSoftwareScaleContext(
					frame.Width(), frame.Height(), frame.PixelFormat(),
					dstW, dstH, astiav.PixelFormatYuv420P,
					astiav.NewSoftwareScaleContextFlags())
				if err != nil {
					r.logger.Error("create scaler", "error", err)
					frame.Unref()
					continue
				}
				dstFrame = astiav.AllocFrame()
				dstFrame.SetWidth(dstW)
				dstFrame.SetHeight(dstH)
				dstFrame.SetPixelFormat(astiav.PixelFormatYuv420P)
				if err := dstFrame.AllocBuffer(1); err != nil {
					r.logger.Error("alloc scaled frame buffer", "error", err)
					frame.Unref()
					continue
				}
			}

			if err := scaler.ScaleFrame(frame, dstFrame); err != nil {
				r.logger.Error("scale frame", "error", err)
				frame.Unref()
				continue
			}

			n, err := dstFrame.ImageBufferSize(1)
			if err != nil {
				r.logger.Error("image buffer size", "error", err)
				frame.Unref()
				continue
			}
			buf := make([]byte, n)
			if _, err := dstFrame.ImageCopyToBuffer(buf, 1); err != nil {
				r.logger.Error("copy scaled frame", "error", err)
				frame.Unref()
				continue
			}

			tsMs := int64(0)
			if tb.Den() > 0 {
				tsMs = pts * int64(tb.Num()) * 1000 / int64(tb.Den())
			}

			if r.OnFrame != nil {
				r.OnFrame(model.VideoFrame{
					Kind:        model.VideoFrameI420,
					Width:       dstW,
					Height:      dstH,
					Data:        buf,
					TimestampMs: tsMs,
				})
			}

			lastPTS = pts
			haveLastPTS = true
			frame.Unref()
		}
		pkt.Unref()
	}
}

// clampDims scales srcW/srcH down to fit within maxOutputWidth x
// maxOutputHeight, preserving aspect ratio, then rounds down to even
// dimensions as I420 requires.
func clampDims(srcW, srcH int) (int, int) {
	w, h := srcW, srcH
	if w > maxOutputWidth || h > maxOutputHeight {
		ratio := math.Min(float64(maxOutputWidth)/float64(w), float64(maxOutputHeight)/float64(h))
		w = int(float64(w) * ratio)
		h = int(float64(h) * ratio)
	}
	if w%2 != 0 {
		w--
	}
	if h%2 != 0 {
		h--
	}
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}
