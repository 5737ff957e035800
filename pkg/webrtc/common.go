// Package webrtc hands each viewer a dedicated PeerConnection per (peer,
// room, media kind) and pumps the room's streaming-service frames onto
// it: STUN-only ICEServers, an explicit MediaEngine with fixed payload
// types, cached connection-state tracking, and an RTCP reader goroutine
// per sender. Connections receive whole frames from pkg/streaming and use
// webrtc.TrackLocalStaticSample, which owns its own RTP packetization,
// since the source is complete samples with known durations rather than
// raw RTP to forward.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const (
	h264PayloadType = 96
	opusPayloadType = 111
	vp8PayloadType  = 98

	iceGatherTimeout = 10 * time.Second

	// telemetryMinInterval rate-limits audioLevel data-channel messages to
	// 10/s per connection; soundAlert messages are not rate-limited.
	telemetryMinInterval = 100 * time.Millisecond
)

func stunConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
}

func audioMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}
	return m, nil
}

// newAPI builds a webrtc.API from m with pion's default interceptors
// registered (NACK generator/responder, RTCP sender/receiver reports);
// skipping the registration silently disables retransmission and loses
// the RTCP reports startRTCPReader logs.
func newAPI(m *webrtc.MediaEngine) (*webrtc.API, error) {
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

func videoMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: h264PayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register h264 codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: vp8PayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8 codec: %w", err)
	}
	return m, nil
}

// connState caches a PeerConnection's state behind a RWMutex so callers
// never block on pc.ConnectionState().
type connState struct {
	mu    sync.RWMutex
	state webrtc.PeerConnectionState
}

func (c *connState) set(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connState) get() webrtc.PeerConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// pendingCandidates buffers remote ICE candidates that arrive before the
// remote description is set, draining them once it is (standard trickle-ICE
// guard: AddICECandidate must not be called before SetRemoteDescription).
type pendingCandidates struct {
	mu        sync.Mutex
	remoteSet bool
	queued    []webrtc.ICECandidateInit
}

func (p *pendingCandidates) add(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.queued = append(p.queued, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return pc.AddICECandidate(c)
}

func (p *pendingCandidates) markRemoteSet(pc *webrtc.PeerConnection) error {
	p.mu.Lock()
	p.remoteSet = true
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// startRTCPReader drains an RTPSender's incoming RTCP (PLI/FIR/REMB/RR) so
// the sender's buffer never backs up. Receiver reports and REMB are logged
// only; this relay doesn't adapt bitrate on feedback.
func startRTCPReader(wg *sync.WaitGroup, sender *webrtc.RTPSender, trackType string, logger *slog.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			packets, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			for _, pkt := range packets {
				switch p := pkt.(type) {
				case *rtcp.PictureLossIndication:
					logger.Debug("rtcp PLI received", "track", trackType, "media_ssrc", p.MediaSSRC)
				case *rtcp.FullIntraRequest:
					logger.Debug("rtcp FIR received", "track", trackType, "media_ssrc", p.MediaSSRC)
				case *rtcp.ReceiverEstimatedMaximumBitrate:
					logger.Debug("rtcp REMB received", "track", trackType, "bitrate_bps", p.Bitrate)
				case *rtcp.ReceiverReport:
					logger.Debug("rtcp RR received", "track", trackType, "ssrc", p.SSRC)
				}
			}
		}
	}()
}
