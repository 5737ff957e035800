package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/model"
	"github.com/mira/nursery-relay/pkg/repo"
	"github.com/mira/nursery-relay/pkg/streaming"
)

const videoClockRate = 90000

// videoConn holds one viewer's video PeerConnection. Unlike audio,
// no per-connection encoder is needed: VideoStreamingService already
// transcodes RTSP rooms to VP8 once for every subscriber, and Nest rooms
// are Annex-B passthrough, so this connection only ever forwards bytes.
type videoConn struct {
	key    string
	peerID string
	roomID int32

	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	state   connState
	pending pendingCandidates
	wg      sync.WaitGroup

	logger *slog.Logger
}

// VideoWebRtcService is the video counterpart of AudioWebRtcService.
type VideoWebRtcService struct {
	streaming *streaming.VideoStreamingService
	roomRepo  repo.RoomRepository
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*videoConn

	OnICECandidate func(peerID string, roomID int32, candidate string)
}

func NewVideoWebRtcService(streamingSvc *streaming.VideoStreamingService, roomRepo repo.RoomRepository, logger *slog.Logger) *VideoWebRtcService {
	return &VideoWebRtcService{
		streaming: streamingSvc,
		roomRepo:  roomRepo,
		logger:    logger,
		conns:     make(map[string]*videoConn),
	}
}

// StartStream creates a video PeerConnection for (peerID, roomID). The
// track codec follows the room's source: VP8 for RTSP (transcoded
// centrally by VideoStreamingService), H.264 for Nest passthrough.
func (s *VideoWebRtcService) StartStream(ctx context.Context, peerID string, roomID int32) (string, error) {
	room, found, err := s.roomRepo.Find(roomID)
	if err != nil {
		return "", err
	}
	if !found || !room.EnableVideoStream {
		return "", apperr.NotFound(fmt.Sprintf("room %d", roomID))
	}

	key := model.PeerConnectionKey{PeerID: peerID, RoomID: roomID}.VideoKey()

	m, err := videoMediaEngine()
	if err != nil {
		return "", apperr.Protocol("video media engine", err)
	}
	api, err := newAPI(m)
	if err != nil {
		return "", apperr.Protocol("video media engine", err)
	}

	pc, err := api.NewPeerConnection(stunConfig())
	if err != nil {
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	conn := &videoConn{
		key:    key,
		peerID: peerID,
		roomID: roomID,
		pc:     pc,
		logger: s.logger.With("peer_id", peerID, "room_id", roomID),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		conn.state.set(state)
		conn.logger.Info("video connection state changed", "state", state.String())
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

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	if room.StreamSourceType == model.SourceGoogleNest {
		capability = webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   videoClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, "video", "nursery-"+key)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create video track: %w", err)
	}
	conn.track = track

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("add video track: %w", err)
	}
	startRTCPReader(&conn.wg, sender, "video", conn.logger)

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

func (s *VideoWebRtcService) SetRemoteDescription(peerID string, roomID int32, answerSDP string) error {
	conn, err := s.find(peerID, roomID)
	if err != nil {
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		return apperr.Protocol("video set remote description", err)
	}
	return conn.pending.markRemoteSet(conn.pc)
}

func (s *VideoWebRtcService) AddICECandidate(peerID string, roomID int32, candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
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

func (s *VideoWebRtcService) StopStream(peerID string, roomID int32) error {
	key := model.PeerConnectionKey{PeerID: peerID, RoomID: roomID}.VideoKey()
	conn := s.removeConn(key)
	if conn == nil {
		return apperr.NotFound(fmt.Sprintf("video connection %s", key))
	}
	return nil
}

func (s *VideoWebRtcService) CloseAllForPeer(peerID string) {
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

func (s *VideoWebRtcService) removeConn(key string) *videoConn {
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
	return conn
}

func (s *VideoWebRtcService) find(peerID string, roomID int32) (*videoConn, error) {
	key := model.PeerConnectionKey{PeerID: peerID, RoomID: roomID}.VideoKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[key]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("video connection %s", key))
	}
	return conn, nil
}

func (s *VideoWebRtcService) frameHandler(conn *videoConn) func(model.VideoFrame) {
	return func(f model.VideoFrame) {
		if f.Kind == model.VideoFrameI420 {
			// VideoStreamingService only hands a WebRTC subscriber an
			// encoded frame; an I420 frame here would mean a subscriber
			// was wired directly to the RTSP reader, bypassing transcode.
			return
		}
		dur := time.Duration(f.DurationRTPUnits) * time.Second / time.Duration(videoClockRate)
		if err := conn.track.WriteSample(media.Sample{Data: f.EncodedData, Duration: dur}); err != nil {
			conn.logger.Debug("write video sample failed", "error", err)
		}
	}
}
