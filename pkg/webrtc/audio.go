package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/audio"
	"github.com/mira/nursery-relay/pkg/model"
	"github.com/mira/nursery-relay/pkg/repo"
	"github.com/mira/nursery-relay/pkg/streaming"
)

// audioConn holds one viewer's audio PeerConnection.
type audioConn struct {
	key    string
	peerID string
	roomID int32

	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	dc      *webrtc.DataChannel
	state   connState
	pending pendingCandidates
	wg      sync.WaitGroup

	logger *slog.Logger

	// encMu guards encoder, built lazily from the first RTSP frame's
	// sample rate/channel count and reused thereafter; nil for Nest
	// passthrough connections.
	encMu   sync.Mutex
	encoder *audio.OpusEncoder

	telemetryMu   sync.Mutex
	lastTelemetry time.Time
}

// AudioWebRtcService manages one PeerConnection per (peer, room) pair,
// subscribing each to AudioStreamingService and relaying frames onto an
// Opus WebRTC track plus a rate-limited "audioLevels" data channel.
type AudioWebRtcService struct {
	streaming *streaming.AudioStreamingService
	roomRepo  repo.RoomRepository
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*audioConn

	// OnICECandidate is invoked with this side's trickled local ICE
	// candidates; the signaling hub wires it to a ReceiveAudioIceCandidate push.
	OnICECandidate func(peerID string, roomID int32, candidate string)
}

func NewAudioWebRtcService(streamingSvc *streaming.AudioStreamingService, roomRepo repo.RoomRepository, logger *slog.Logger) *AudioWebRtcService {
	return &AudioWebRtcService{
		streaming: streamingSvc,
		roomRepo:  roomRepo,
		logger:    logger,
		conns:     make(map[string]*audioConn),
	}
}

// StartStream creates a new PeerConnection for (peerID, roomID), subscribes
// it to the room's audio stream, and returns an SDP offer; the relay is
// always the offering side.
func (s *AudioWebRtcService) StartStream(ctx context.Context, peerID string, roomID int32) (string, error) {
	room, found, err := s.roomRepo.Find(roomID)
	if err != nil {
		return "", err
	}
	if !found || !room.EnableAudioStream {
		return "", apperr.NotFound(fmt.Sprintf("room %d", roomID))
	}

	key := model.PeerConnectionKey{PeerID: peerID, RoomID: roomID}.AudioKey()

	m, err := audioMediaEngine()
	if err != nil {
		return "", apperr.Protocol("audio media engine", err)
	}
	api, err := newAPI(m)
	if err != nil {
		return "", apperr.Protocol("audio media engine", err)
	}

	pc, err := api.NewPeerConnection(stunConfig())
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	conn := &audioConn{
		key:    key,
		peerID: peerID,
		roomID: roomID,
		pc:     pc,
		logger: s.logger.With("peer_id", peerID, "room_id", roomID),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		conn.state.set(state)
		conn.logger.Info("audio connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.removeConn(key)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.OnICECandidate == nil {
			return
		}
		s.OnICECandidate(peerID, roomID, c.ToJSON().Candidate)
	})

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "nursery-"+key)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create audio track: %w", err)
	}
	conn.track = track

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("add audio track: %w", err)
	}
	startRTCPReader(&conn.wg, sender, "audio", conn.logger)

	dc, err := pc.CreateDataChannel("audioLevels", nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create audioLevels data channel: %w", err)
	}
	conn.dc = dc

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return "", fmt.Errorf("ice gathering timeout")
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	}

	if err := s.streaming.Subscribe(roomID, key, s.frameHandler(conn)); err != nil {
		pc.Close()
		return "", err
	}

	s.mu.Lock()
	s.conns[key] = conn
	s.mu.Unlock()

	return pc.LocalDescription().SDP, nil
}

// SetRemoteDescription applies the viewer's SDP answer.
func (s *AudioWebRtcService) SetRemoteDescription(peerID string, roomID int32, answerSDP string) error {
	conn, err := s.find(peerID, roomID)
	if err != nil {
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		return apperr.Protocol("audio set remote description", err)
	}
	return conn.pending.markRemoteSet(conn.pc)
}

// AddICECandidate applies or queues one remote trickle-ICE candidate.
func (s *AudioWebRtcService) AddICECandidate(peerID string, roomID int32, candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	conn, err := s.find(peerID, roomID)
	if err != nil {
		return err
	}
	return conn.pending.add(conn.pc, webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
}

// StopStream unsubscribes and closes one (peer, room) audio connection.
func (s *AudioWebRtcService) StopStream(peerID string, roomID int32) error {
	key := model.PeerConnectionKey{PeerID: peerID, RoomID: roomID}.AudioKey()
	conn := s.removeConn(key)
	if conn == nil {
		return apperr.NotFound(fmt.Sprintf("audio connection %s", key))
	}
	return nil
}

// CloseAllForPeer tears down every audio connection belonging to peerID,
// called when the signaling hub observes a disconnect.
func (s *AudioWebRtcService) CloseAllForPeer(peerID string) {
	s.mu.Lock()
	var keys []string
	for k, c := range s.conns {
		if c.peerID == peerID {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.removeConn(k)
	}
}

func (s *AudioWebRtcService) removeConn(key string) *audioConn {
	s.mu.Lock()
	conn, ok := s.conns[key]
	if ok {
		delete(s.conns, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.streaming.Unsubscribe(conn.roomID, key)
	_ = conn.pc.Close()

	conn.encMu.Lock()
	conn.encoder = nil
	conn.encMu.Unlock()

	return conn
}

func (s *AudioWebRtcService) find(peerID string, roomID int32) (*audioConn, error) {
	key := model.PeerConnectionKey{PeerID: peerID, RoomID: roomID}.AudioKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[key]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("audio connection %s", key))
	}
	return conn, nil
}

// frameHandler writes each streaming-service frame onto conn's track: a
// Nest frame's Opus payload is forwarded as-is, an RTSP frame's PCM is
// encoded to Opus first.
func (s *AudioWebRtcService) frameHandler(conn *audioConn) func(model.AudioFrame) {
	return func(f model.AudioFrame) {
		if f.HasRawOpus {
			dur := time.Duration(f.DurationRTPUnits) * time.Second / time.Duration(audio.OpusSampleRate)
			if err := conn.track.WriteSample(media.Sample{Data: f.RawOpus, Duration: dur}); err != nil {
				conn.logger.Debug("write opus sample failed", "error", err)
			}
			s.sendLevelTelemetry(conn, f.AudioLevelDB)
			return
		}

		conn.encMu.Lock()
		if conn.encoder == nil {
			channels := f.Channels
			if channels <= 0 {
				channels = 1
			}
			enc, err := audio.NewOpusEncoder(f.SampleRate, channels)
			if err != nil {
				conn.encMu.Unlock()
				conn.logger.Error("opus encoder init failed", "error", err)
				return
			}
			conn.encoder = enc
		}
		payloads, err := conn.encoder.Encode(f.PCMData)
		frameDur := time.Duration(conn.encoder.FrameDurationRTPUnits()) * time.Second / time.Duration(audio.OpusSampleRate)
		conn.encMu.Unlock()
		if err != nil {
			conn.logger.Warn("opus encode failed", "error", err)
			return
		}
		for _, p := range payloads {
			if err := conn.track.WriteSample(media.Sample{Data: p, Duration: frameDur}); err != nil {
				conn.logger.Debug("write opus sample failed", "error", err)
			}
		}
		s.sendLevelTelemetry(conn, f.AudioLevelDB)
	}
}

type audioLevelMessage struct {
	Type      string  `json:"type"`
	Level     float64 `json:"level"`
	Timestamp int64   `json:"timestamp"`
}

// sendLevelTelemetry pushes an audioLevel message over conn's data
// channel, rate-limited to telemetryMinInterval per connection.
func (s *AudioWebRtcService) sendLevelTelemetry(conn *audioConn, levelDB float64) {
	conn.telemetryMu.Lock()
	now := time.Now()
	if now.Sub(conn.lastTelemetry) < telemetryMinInterval {
		conn.telemetryMu.Unlock()
		return
	}
	conn.lastTelemetry = now
	conn.telemetryMu.Unlock()

	if conn.dc == nil || conn.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	payload, err := json.Marshal(audioLevelMessage{Type: "audioLevel", Level: levelDB, Timestamp: now.UnixMilli()})
	if err != nil {
		return
	}
	_ = conn.dc.Send(payload)
}

type soundAlertMessage struct {
	Type      string  `json:"type"`
	Level     float64 `json:"level"`
	Threshold float64 `json:"threshold"`
	RoomID    int32   `json:"roomId"`
	Timestamp int64   `json:"timestamp"`
}

// HandleSoundAlert fans one global threshold alert out to every audio
// connection subscribed to its room; wire this as
// AudioStreamingService.OnSoundThreshold.
func (s *AudioWebRtcService) HandleSoundAlert(alert model.SoundAlert) {
	payload, err := json.Marshal(soundAlertMessage{
		Type:      "soundAlert",
		Level:     alert.LevelDB,
		Threshold: alert.ThresholdDB,
		RoomID:    alert.RoomID,
		Timestamp: alert.Timestamp.UnixMilli(),
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	var targets []*audioConn
	for _, c := range s.conns {
		if c.roomID == alert.RoomID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if c.dc != nil && c.dc.ReadyState() == webrtc.DataChannelStateOpen {
			_ = c.dc.Send(payload)
		}
	}
}
