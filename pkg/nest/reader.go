package nest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
	"github.com/mira/nursery-relay/pkg/rtpmedia"
)

const (
	extendInterval          = 4 * time.Minute
	maxExtendFailures       = 3
	minStableConnectionTime = 60 * time.Second
	maxReconnectAttempts    = 3
	degradedRetryInterval   = 5 * time.Minute
)

var reconnectBackoffs = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// NestStreamReader negotiates and serves one Nest camera's live WebRTC
// media. It is owned exclusively by the streaming service that
// requested it, except when shared through NestStreamReaderManager's
// reference counting.
type NestStreamReader struct {
	client   *DeviceClient
	deviceID string
	logger   *logger.Logger

	// OnOpusUnit delivers each depacketized Opus RTP payload, raw bytes
	// plus a metering PCM decode; the owning streaming service runs it
	// through an AudioProcessor for level metering and threshold
	// detection before forwarding the passthrough bytes to peers.
	OnOpusUnit   func(rtpmedia.OpusUnit)
	OnVideoFrame func(model.VideoFrame)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNestStreamReader(client *DeviceClient, deviceID string, log *logger.Logger) *NestStreamReader {
	return &NestStreamReader{
		client:   client,
		deviceID: deviceID,
		logger:   log.With("device_id", deviceID),
	}
}

// Start launches the background reconnect loop. It returns immediately;
// media arrives via OnOpusUnit/OnVideoFrame from the reader's own task.
func (r *NestStreamReader) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
}

// Close stops the reader, waiting up to 10s for the background task to
// exit; the task attempts a best-effort StopWebRTCStream on its way out.
func (r *NestStreamReader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		r.logger.Warn("nest reader did not stop within bounded delay")
	}
	return nil
}

func (r *NestStreamReader) run() {
	defer r.wg.Done()

	attempt := 0
	for {
		if r.ctx.Err() != nil {
			return
		}

		connectedAt := time.Now()
		err := r.connectAndServe()
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn("nest session ended", "error", err)
		}

		if time.Since(connectedAt) < minStableConnectionTime {
			attempt++
		} else {
			attempt = 0
		}

		if attempt > maxReconnectAttempts {
			// Degraded: the reconnect budget is spent on short-lived
			// sessions. Retry on a much slower cadence instead of spinning
			// or abandoning the room until the next configuration change.
			r.logger.Error("nest reader degraded after repeated short-lived reconnects, slowing retry cadence")
			select {
			case <-time.After(degradedRetryInterval):
			case <-r.ctx.Done():
				return
			}
			attempt = 0
			continue
		}

		idx := attempt - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(reconnectBackoffs) {
			idx = len(reconnectBackoffs) - 1
		}
		select {
		case <-time.After(reconnectBackoffs[idx]):
		case <-r.ctx.Done():
			return
		}
	}
}

// connectAndServe negotiates one Nest WebRTC session and blocks until it
// ends (ICE failure, cancellation, or repeated extend failures).
func (r *NestStreamReader) connectAndServe() error {
	ctx := r.ctx

	pc, err := newNestPeerConnection()
	if err != nil {
		return apperr.Fatal("create nest peer connection", err)
	}

	h264 := rtpmedia.NewH264Depacketizer(r.logger)
	h264.OnFrame = func(f model.VideoFrame) {
		if r.OnVideoFrame != nil {
			r.OnVideoFrame(f)
		}
	}

	opusDepacketizer, err := rtpmedia.NewOpusDepacketizer(r.logger)
	if err != nil {
		pc.Close()
		return apperr.Fatal("create opus decoder", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			r.readAudioTrack(track, opusDepacketizer)
		case webrtc.RTPCodecTypeVideo:
			r.readVideoTrack(track, h264)
		}
	})

	ended := make(chan struct{})
	var endOnce sync.Once
	closeEnded := func() { endOnce.Do(func() { close(ended) }) }

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
			closeEnded()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return apperr.Protocol("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return apperr.Protocol("set local description", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		pc.Close()
		return apperr.Transient("ice gathering", fmt.Errorf("timed out"))
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	patchedOffer := patchOpusCodecName(pc.LocalDescription().SDP)
	r.logger.DebugSDP("submitting patched offer", "bytes", len(patchedOffer))

	answerSDP, mediaSessionID, err := r.client.GenerateWebRTCStream(ctx, r.deviceID, patchedOffer)
	if err != nil {
		pc.Close()
		return err
	}

	strippedSDP, candidates := splitAnswerCandidates(answerSDP)
	r.logger.DebugSDP("received nest answer", "media_session_id", mediaSessionID, "embedded_candidates", len(candidates))

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  strippedSDP,
	}); err != nil {
		pc.Close()
		_ = r.client.StopWebRTCStream(context.Background(), r.deviceID, mediaSessionID)
		return apperr.Protocol("set remote description", err)
	}

	for _, c := range candidates {
		mid := c.Mid
		idx := c.MLineIndex
		r.logger.DebugICE("adding normalized nest candidate", "candidate", c.Candidate, "mid", mid, "mline_index", idx)
		if err := pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}); err != nil {
			r.logger.Warn("dropping malformed nest ice candidate", "error", err)
		}
	}

	extendCtx, extendCancel := context.WithCancel(ctx)
	go r.extendLoop(extendCtx, mediaSessionID, closeEnded)

	select {
	case <-ended:
	case <-ctx.Done():
	}
	extendCancel()

	stopCtx, stopCancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	if err := r.client.StopWebRTCStream(stopCtx, r.deviceID, mediaSessionID); err != nil {
		r.logger.Warn("stop_webrtc_stream failed on teardown", "error", err)
	}
	stopCancelFn()
	pc.Close()

	return nil
}

func (r *NestStreamReader) readAudioTrack(track *webrtc.TrackRemote, dep *rtpmedia.OpusDepacketizer) {
	dep.OnUnit = func(u rtpmedia.OpusUnit) {
		if r.OnOpusUnit != nil {
			r.OnOpusUnit(u)
		}
	}

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		r.logger.DebugRTPPacket(packet.SequenceNumber, packet.Timestamp, packet.PayloadType, len(packet.Payload))
		if err := dep.ProcessPacket(packet); err != nil {
			r.logger.Warn("opus depacketize error, dropping frame", "error", err)
		}
	}
}

func (r *NestStreamReader) readVideoTrack(track *webrtc.TrackRemote, dep *rtpmedia.H264Depacketizer) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		r.logger.DebugRTPPacket(packet.SequenceNumber, packet.Timestamp, packet.PayloadType, len(packet.Payload))
		if err := dep.ProcessPacket(packet); err != nil {
			r.logger.Warn("h264 depacketize error, dropping NALU", "error", err)
		}
	}
}

// extendLoop keeps the media session alive with a 4-minute extend tick,
// honoring SDM rate-limit backoff and tearing the session down after
// maxExtendFailures consecutive failures.
func (r *NestStreamReader) extendLoop(ctx context.Context, mediaSessionID string, onGiveUp func()) {
	failures := 0
	timer := time.NewTimer(extendInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			extendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := r.client.ExtendWebRTCStream(extendCtx, r.deviceID, mediaSessionID)
			cancel()

			var next time.Duration
			var giveUp bool
			next, failures, giveUp = extendOutcome(err, failures)

			if err != nil {
				if _, ok := apperr.IsRateLimit(err); ok {
					r.logger.Warn("nest extend rate limited, rescheduling", "retry_after", next, "consecutive_failures", failures)
				} else {
					r.logger.Warn("nest extend failed", "error", err, "consecutive_failures", failures)
				}
			}
			if giveUp {
				r.logger.Error("nest extend failed repeatedly, tearing down session")
				onGiveUp()
				return
			}
			timer.Reset(next)
		}
	}
}

// extendOutcome decides how the keep-alive loop proceeds after one extend
// attempt: the delay before the next attempt, the updated consecutive
// failure count, and whether the session must be torn down. A rate-limited
// attempt reschedules on the server-provided delay but still counts
// toward the failure budget, so three 429s in a row give up the same way
// any other failure streak does.
func extendOutcome(err error, failures int) (next time.Duration, newFailures int, giveUp bool) {
	if err == nil {
		return extendInterval, 0, false
	}
	failures++
	if failures >= maxExtendFailures {
		return 0, failures, true
	}
	if rl, ok := apperr.IsRateLimit(err); ok {
		return rl.RetryAfter, failures, false
	}
	return extendInterval, failures, false
}

// newNestPeerConnection builds the receive-only audio+video peer
// connection with the data channel Nest requires.
func newNestPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register h264 codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}
	if _, err := pc.CreateDataChannel("data", nil); err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	return pc, nil
}

// patchOpusCodecName lowercases the OPUS codec name in the rtpmap line,
// since Nest rejects the uppercase spelling pion emits by default.
func patchOpusCodecName(sdp string) string {
	lines := strings.Split(sdp, "\r\n")
	for i, line := range lines {
		if strings.Contains(line, "a=rtpmap:") && strings.Contains(line, "OPUS/") {
			lines[i] = strings.Replace(line, "OPUS/", "opus/", 1)
		}
	}
	return strings.Join(lines, "\r\n")
}
