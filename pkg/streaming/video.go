package streaming

import (
	"context"
	"fmt"
	"sync"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
	"github.com/mira/nursery-relay/pkg/nest"
	"github.com/mira/nursery-relay/pkg/repo"
	"github.com/mira/nursery-relay/pkg/rtspmedia"
	"github.com/mira/nursery-relay/pkg/videnc"
)

type videoRoomEntry struct {
	room model.Room

	rtspReader *rtspmedia.RtspVideoReader
	nestReader *nest.NestStreamReader

	// encMu serializes access to encoder, since frames arrive on the
	// reader's own goroutine while Close/RefreshRooms may tear it down
	// concurrently from a reconciliation pass.
	encMu   sync.Mutex
	encoder *videnc.VP8Encoder

	subscribers map[string]func(model.VideoFrame)
}

// VideoStreamingService is the video counterpart of AudioStreamingService.
// It has no metering stage: the RTSP reader already caps resolution/fps
// and the Nest reader already emits Annex-B H.264. Besides reader
// lifecycle and fan-out, it encodes each RTSP room's I420 frames to VP8
// once per room; Nest frames are fanned out unchanged.
type VideoStreamingService struct {
	roomRepo    repo.RoomRepository
	nestManager *nest.NestStreamReaderManager
	logger      *logger.Logger

	ctx context.Context

	mu    sync.Mutex
	rooms map[int32]*videoRoomEntry
}

func NewVideoStreamingService(ctx context.Context, roomRepo repo.RoomRepository, nestManager *nest.NestStreamReaderManager, log *logger.Logger) *VideoStreamingService {
	return &VideoStreamingService{
		ctx:         ctx,
		roomRepo:    roomRepo,
		nestManager: nestManager,
		logger:      log,
		rooms:       make(map[int32]*videoRoomEntry),
	}
}

func (s *VideoStreamingService) Subscribe(roomID int32, key string, handler func(model.VideoFrame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rooms[roomID]
	if !ok {
		room, found, err := s.roomRepo.Find(roomID)
		if err != nil {
			return err
		}
		if !found || !room.EnableVideoStream {
			return apperr.NotFound(fmt.Sprintf("room %d", roomID))
		}
		entry = &videoRoomEntry{room: room, subscribers: make(map[string]func(model.VideoFrame))}
		s.startReader(entry, room)
		s.rooms[roomID] = entry
	}

	entry.subscribers[key] = handler
	return nil
}

func (s *VideoStreamingService) Unsubscribe(roomID int32, key string) {
	s.mu.Lock()
	entry, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(entry.subscribers, key)
	dispose := len(entry.subscribers) == 0
	if dispose {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	if dispose {
		s.stopReader(entry)
	}
}

func (s *VideoStreamingService) RefreshRooms() error {
	rooms, err := s.roomRepo.List()
	if err != nil {
		return err
	}
	byID := make(map[int32]model.Room, len(rooms))
	for _, rm := range rooms {
		byID[rm.ID] = rm
	}

	type restart struct {
		entry *videoRoomEntry
		room  model.Room
	}
	var toStop []*videoRoomEntry
	var toRestart []restart

	s.mu.Lock()
	for roomID, entry := range s.rooms {
		newRoom, found := byID[roomID]
		if !found || !newRoom.EnableVideoStream {
			toStop = append(toStop, entry)
			delete(s.rooms, roomID)
			continue
		}
		if videoSourceChanged(entry.room, newRoom) {
			toRestart = append(toRestart, restart{entry, newRoom})
		} else {
			entry.room = newRoom
		}
	}
	s.mu.Unlock()

	for _, e := range toStop {
		go s.stopReader(e)
	}
	for _, r := range toRestart {
		s.stopReader(r.entry)
		r.entry.room = r.room
		s.startReader(r.entry, r.room)
	}
	return nil
}

// Status reports every active video room's subscriber count.
func (s *VideoStreamingService) Status() []RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomStatus, 0, len(s.rooms))
	for id, entry := range s.rooms {
		out = append(out, RoomStatus{RoomID: id, Source: entry.room.StreamSourceType, Subscribers: len(entry.subscribers)})
	}
	return out
}

func videoSourceChanged(old, updated model.Room) bool {
	if old.StreamSourceType != updated.StreamSourceType {
		return true
	}
	switch updated.StreamSourceType {
	case model.SourceRTSP:
		return old.CameraStreamURL != updated.CameraStreamURL
	case model.SourceGoogleNest:
		return old.NestDeviceID != updated.NestDeviceID
	}
	return false
}

func (s *VideoStreamingService) startReader(entry *videoRoomEntry, room model.Room) {
	switch room.StreamSourceType {
	case model.SourceRTSP:
		reader := rtspmedia.NewRtspVideoReader(room.CameraStreamURL, room.CameraCredentials, s.logger.With("room_id", room.ID))
		reader.OnFrame = func(f model.VideoFrame) {
			s.encodeAndDispatch(room.ID, entry, f)
		}
		reader.Start(s.ctx)
		entry.rtspReader = reader
	case model.SourceGoogleNest:
		reader := s.nestManager.GetOrCreate(s.ctx, room.ID, room.NestDeviceID)
		reader.OnVideoFrame = func(f model.VideoFrame) {
			s.dispatch(room.ID, entry, f)
		}
		entry.nestReader = reader
	}
}

func (s *VideoStreamingService) stopReader(entry *videoRoomEntry) {
	switch entry.room.StreamSourceType {
	case model.SourceRTSP:
		if entry.rtspReader != nil {
			_ = entry.rtspReader.Close()
		}
		entry.encMu.Lock()
		if entry.encoder != nil {
			entry.encoder.Close()
			entry.encoder = nil
		}
		entry.encMu.Unlock()
	case model.SourceGoogleNest:
		s.nestManager.Release(entry.room.ID)
	}
}

// encodeAndDispatch transcodes one RTSP I420 frame to VP8 before fan-out:
// the encoder is built lazily from the first frame's clamped
// dimensions and rebuilt if the reader's output size ever changes (e.g.
// after a reconnect to a camera with a different native resolution).
func (s *VideoStreamingService) encodeAndDispatch(roomID int32, entry *videoRoomEntry, frame model.VideoFrame) {
	entry.encMu.Lock()
	if entry.encoder == nil {
		enc, err := videnc.NewVP8Encoder(frame.Width, frame.Height)
		if err != nil {
			entry.encMu.Unlock()
			s.logger.Error("vp8 encoder init failed", "room_id", roomID, "error", err)
			return
		}
		entry.encoder = enc
	}
	payloads, err := entry.encoder.Encode(frame.Data, frame.Width, frame.Height)
	if err != nil {
		entry.encoder.Close()
		entry.encoder = nil
		entry.encMu.Unlock()
		s.logger.Warn("vp8 encode failed, rebuilding encoder", "room_id", roomID, "error", err)
		return
	}
	entry.encMu.Unlock()

	for _, p := range payloads {
		s.dispatch(roomID, entry, model.VideoFrame{
			Kind:             model.VideoFrameVP8,
			EncodedData:      p,
			DurationRTPUnits: videnc.DurationRTPUnits,
		})
	}
}

func (s *VideoStreamingService) dispatch(roomID int32, entry *videoRoomEntry, frame model.VideoFrame) {
	s.mu.Lock()
	handlers := make([]func(model.VideoFrame), 0, len(entry.subscribers))
	for _, h := range entry.subscribers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		s.safeInvoke(roomID, h, frame)
	}
}

func (s *VideoStreamingService) safeInvoke(roomID int32, h func(model.VideoFrame), frame model.VideoFrame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("video subscriber handler panicked", "room_id", roomID, "panic", r)
		}
	}()
	h(frame)
}
