// Package rtspmedia pulls RTSP camera streams and decodes them with
// go-astiav (FFmpeg bindings), producing the raw PCM and I420 frames the
// rest of the relay consumes.
package rtspmedia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	astiav "github.com/asticode/go-astiav"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
)

const (
	connectAttempts = 3
	connectRetryGap = 5 * time.Second
)

// RtspAudioReader pulls one RTSP stream and decodes its audio track to
// PCM frames with format metadata.
type RtspAudioReader struct {
	url    string
	creds  *model.Credentials
	logger *logger.Logger

	// OnFrame delivers one decoded audio frame. Planar source formats are
	// interleaved before delivery, so IsPlanar is always false here.
	OnFrame func(model.AudioFrameRaw)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRtspAudioReader(url string, creds *model.Credentials, log *logger.Logger) *RtspAudioReader {
	return &RtspAudioReader{url: url, creds: creds, logger: log.With("url", redactURL(url))}
}

// Start launches the background decode task. Each reconnect cycle makes
// 3 connection attempts, 5s apart.
func (r *RtspAudioReader) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
}

// Close stops the reader, waiting up to 5s for the decode task to exit.
func (r *RtspAudioReader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("rtsp audio reader did not stop within bounded delay")
	}
	return nil
}

func (r *RtspAudioReader) run() {
	defer r.wg.Done()

	for {
		if r.ctx.Err() != nil {
			return
		}

		fc, streamIdx, dec, err := r.connectWithRetry()
		if err != nil {
			r.logger.Warn("rtsp audio connect failed after retries", "error", err)
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

func (r *RtspAudioReader) connectWithRetry() (*astiav.FormatContext, int, *astiav.CodecContext, error) {
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

// connect opens the stream with fast-probe options: TCP transport, 100ms
// max delay, 1s analyze duration, small probe size.
func (r *RtspAudioReader) connect() (*astiav.FormatContext, int, *astiav.CodecContext, error) {
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
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			streamIdx = i
			break
		}
	}
	if streamIdx < 0 {
		fc.CloseInput()
		return nil, 0, nil, fmt.Errorf("no audio stream found")
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

func (r *RtspAudioReader) decodeLoop(fc *astiav.FormatContext, streamIdx int, dec *astiav.CodecContext) {
	defer fc.CloseInput()
	defer fc.Free()
	defer dec.Free()

	sampleRate := dec.SampleRate()
	channels := dec.ChannelLayout().Channels()
	r.logger.DebugRTSP("audio stream opened", "sample_rate", sampleRate, "channels", channels, "sample_format", dec.SampleFormat().Name())

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
			r.emit(frame, sampleRate, channels)
			frame.Unref()
		}
		pkt.Unref()
	}
}

func (r *RtspAudioReader) emit(frame *astiav.Frame, sampleRate, channels int) {
	format, bytesPerSample, planar := classifySampleFormat(frame.SampleFormat())
	nbSamples := frame.NbSamples()

	data, err := frame.Data().Bytes(0)
	if err != nil {
		return
	}
	need := nbSamples * channels * bytesPerSample
	if need > len(data) {
		need = len(data)
	}

	var pcm []byte
	if planar && channels > 1 {
		pcm = interleavePlanes(data[:need], channels, bytesPerSample, nbSamples)
	} else {
		pcm = append([]byte(nil), data[:need]...)
	}

	if r.OnFrame != nil {
		r.OnFrame(model.AudioFrameRaw{
			PCM:            pcm,
			BytesPerSample: bytesPerSample,
			SampleRate:     sampleRate,
			Channels:       channels,
			IsPlanar:       false,
			SampleFormat:   format,
		})
	}
}

// classifySampleFormat maps an astiav sample format to the relay's
// SampleFormat tag by name, since go-astiav mirrors FFmpeg's
// AV_SAMPLE_FMT_* naming ("s16", "s16p", "flt", "fltp", ...) rather than
// exposing every planar variant as a distinct exported constant.
func classifySampleFormat(f astiav.SampleFormat) (model.SampleFormat, int, bool) {
	name := strings.ToLower(f.Name())
	planar := strings.HasSuffix(name, "p")
	base := strings.TrimSuffix(name, "p")

	switch base {
	case "s16":
		if planar {
			return model.SampleFormatS16Planar, 2, true
		}
		return model.SampleFormatS16, 2, false
	case "s32":
		if planar {
			return model.SampleFormatS32Planar, 4, true
		}
		return model.SampleFormatS32, 4, false
	case "flt":
		if planar {
			return model.SampleFormatF32Planar, 4, true
		}
		return model.SampleFormatF32, 4, false
	case "dbl":
		if planar {
			return model.SampleFormatF64Planar, 8, true
		}
		return model.SampleFormatF64, 8, false
	default:
		return model.SampleFormatS16, 2, planar
	}
}

// interleavePlanes reorders channel-major plane bytes (all of channel 0,
// then channel 1, ...) into frame-major interleaved order, preserving the
// native sample width and endianness.
func interleavePlanes(data []byte, channels, bytesPerSample, nbSamples int) []byte {
	out := make([]byte, len(data))
	planeSize := nbSamples * bytesPerSample
	for ch := 0; ch < channels; ch++ {
		for i := 0; i < nbSamples; i++ {
			srcOff := ch*planeSize + i*bytesPerSample
			if srcOff+bytesPerSample > len(data) {
				break
			}
			dstOff := (i*channels + ch) * bytesPerSample
			copy(out[dstOff:dstOff+bytesPerSample], data[srcOff:srcOff+bytesPerSample])
		}
	}
	return out
}

func authenticatedURL(rawURL string, creds *model.Credentials) string {
	if creds == nil || creds.Username == "" {
		return rawURL
	}
	return injectCredentials(rawURL, creds.Username, creds.Password)
}

func injectCredentials(rawURL, username, password string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	scheme := rawURL[:idx+3]
	rest := rawURL[idx+3:]
	return scheme + username + ":" + password + "@" + rest
}

func redactURL(rawURL string) string {
	idx := strings.Index(rawURL, "@")
	if idx < 0 {
		return rawURL
	}
	schemeIdx := strings.Index(rawURL, "://")
	if schemeIdx < 0 {
		return rawURL
	}
	return rawURL[:schemeIdx+3] + "***@" + rawURL[idx+1:]
}
