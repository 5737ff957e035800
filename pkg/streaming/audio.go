// Package streaming owns the room cache and reader/processor lifecycles
// that sit between the media readers (pkg/rtspmedia, pkg/nest) and the
// per-peer WebRTC services. Each service keeps a room-keyed map guarded
// by one mutex, reconciled against the repository with a two-pass
// collect-then-mutate pass so slow stop/start calls never run while the
// map lock is held.
package streaming

import (
	"context"
	"fmt"
	"sync"

	"github.com/mira/nursery-relay/pkg/apperr"
	"github.com/mira/nursery-relay/pkg/audio"
	"github.com/mira/nursery-relay/pkg/logger"
	"github.com/mira/nursery-relay/pkg/model"
	"github.com/mira/nursery-relay/pkg/nest"
	"github.com/mira/nursery-relay/pkg/repo"
	"github.com/mira/nursery-relay/pkg/rtpmedia"
	"github.com/mira/nursery-relay/pkg/rtspmedia"
)

type audioRoomEntry struct {
	room      model.Room
	processor *audio.AudioProcessor

	rtspReader *rtspmedia.RtspAudioReader
	nestReader *nest.NestStreamReader

	subscribers map[string]func(model.AudioFrame)
}

// AudioStreamingService maintains one AudioProcessor and one reader per
// enabled, audio-configured room, fanning each processed frame out to
// every subscribed peer.
type AudioStreamingService struct {
	roomRepo     repo.RoomRepository
	settingsRepo repo.SettingsRepository
	nestManager  *nest.NestStreamReaderManager
	logger       *logger.Logger

	ctx context.Context

	mu    sync.Mutex
	rooms map[int32]*audioRoomEntry

	// OnSoundThreshold is the service's global alert stream:
	// AudioWebRtcService subscribes to it once and routes each alert to
	// every data channel whose key ends with "_a_{roomId}".
	OnSoundThreshold func(model.SoundAlert)
}

func NewAudioStreamingService(ctx context.Context, roomRepo repo.RoomRepository, settingsRepo repo.SettingsRepository, nestManager *nest.NestStreamReaderManager, log *logger.Logger) *AudioStreamingService {
	return &AudioStreamingService{
		ctx:          ctx,
		roomRepo:     roomRepo,
		settingsRepo: settingsRepo,
		nestManager:  nestManager,
		logger:       log,
		rooms:        make(map[int32]*audioRoomEntry),
	}
}

// Subscribe registers handler under key (conventionally a
// PeerConnectionKey's AudioKey()) and starts the room's reader if this is
// the first subscriber.
func (s *AudioStreamingService) Subscribe(roomID int32, key string, handler func(model.AudioFrame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rooms[roomID]
	if !ok {
		room, found, err := s.roomRepo.Find(roomID)
		if err != nil {
			return err
		}
		if !found || !room.EnableAudioStream {
			return apperr.NotFound(fmt.Sprintf("room %d", roomID))
		}
		settings, err := s.settingsRepo.Get()
		if err != nil {
			return err
		}
		entry = &audioRoomEntry{
			room:        room,
			processor:   audio.NewAudioProcessor(roomID, settings, s.logger),
			subscribers: make(map[string]func(model.AudioFrame)),
		}
		entry.processor.OnThreshold = func(alert model.SoundAlert) {
			if s.OnSoundThreshold != nil {
				s.OnSoundThreshold(alert)
			}
		}
		s.startReader(entry, room)
		s.rooms[roomID] = entry
	}

	entry.subscribers[key] = handler
	return nil
}

// Unsubscribe removes key from roomID's subscriber set and stops the
// room's reader once no subscribers remain.
func (s *AudioStreamingService) Unsubscribe(roomID int32, key string) {
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

// RefreshRooms reloads the room list and reconciles readers against it:
// rooms no longer enabled/configured are stopped and dropped,
// changed sources are restarted, and live processors get the current
// global settings.
func (s *AudioStreamingService) RefreshRooms() error {
	rooms, err := s.roomRepo.List()
	if err != nil {
		return err
	}
	byID := make(map[int32]model.Room, len(rooms))
	for _, rm := range rooms {
		byID[rm.ID] = rm
	}
	settings, err := s.settingsRepo.Get()
	if err != nil {
		return err
	}

	type restart struct {
		entry *audioRoomEntry
		room  model.Room
	}
	var toStop []*audioRoomEntry
	var toRestart []restart

	s.mu.Lock()
	for roomID, entry := range s.rooms {
		newRoom, found := byID[roomID]
		if !found || !newRoom.EnableAudioStream {
			toStop = append(toStop, entry)
			delete(s.rooms, roomID)
			continue
		}
		if audioSourceChanged(entry.room, newRoom) {
			toRestart = append(toRestart, restart{entry, newRoom})
		} else {
			entry.room = newRoom
		}
		entry.processor.UpdateSettings(settings)
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

// RoomStatus summarizes one active room's reader and fan-out state for
// operational visibility (the GetRoomStatus signaling query and periodic
// stats logging).
type RoomStatus struct {
	RoomID      int32                  `json:"roomId"`
	Source      model.StreamSourceType `json:"source"`
	Subscribers int                    `json:"subscribers"`
}

// Status reports every active audio room's subscriber count.
func (s *AudioStreamingService) Status() []RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomStatus, 0, len(s.rooms))
	for id, entry := range s.rooms {
		out = append(out, RoomStatus{RoomID: id, Source: entry.room.StreamSourceType, Subscribers: len(entry.subscribers)})
	}
	return out
}

// ApplySettings pushes updated global settings to every live processor
// immediately, without waiting for the next RefreshRooms tick.
func (s *AudioStreamingService) ApplySettings(settings model.GlobalSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.rooms {
		entry.processor.UpdateSettings(settings)
	}
}

func audioSourceChanged(old, updated model.Room) bool {
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

func (s *AudioStreamingService) startReader(entry *audioRoomEntry, room model.Room) {
	switch room.StreamSourceType {
	case model.SourceRTSP:
		reader := rtspmedia.NewRtspAudioReader(room.CameraStreamURL, room.CameraCredentials, s.logger.With("room_id", room.ID))
		reader.OnFrame = func(raw model.AudioFrameRaw) {
			s.dispatch(room.ID, entry, entry.processor.ProcessRaw(raw))
		}
		reader.Start(s.ctx)
		entry.rtspReader = reader
	case model.SourceGoogleNest:
		reader := s.nestManager.GetOrCreate(s.ctx, room.ID, room.NestDeviceID)
		reader.OnOpusUnit = func(u rtpmedia.OpusUnit) {
			s.dispatch(room.ID, entry, entry.processor.ProcessOpusPassthrough(u.RawOpus, u.DurationRTPUnits, u.PCM, nestAudioSampleRate))
		}
		entry.nestReader = reader
	}
}

func (s *AudioStreamingService) stopReader(entry *audioRoomEntry) {
	switch entry.room.StreamSourceType {
	case model.SourceRTSP:
		if entry.rtspReader != nil {
			_ = entry.rtspReader.Close()
		}
	case model.SourceGoogleNest:
		s.nestManager.Release(entry.room.ID)
	}
}

// dispatch invokes every subscriber synchronously with the processed
// frame, keeping per-room delivery strictly FIFO; a panicking handler is logged and
// does not prevent delivery to the remaining subscribers.
func (s *AudioStreamingService) dispatch(roomID int32, entry *audioRoomEntry, frame model.AudioFrame) {
	s.mu.Lock()
	handlers := make([]func(model.AudioFrame), 0, len(entry.subscribers))
	for _, h := range entry.subscribers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		s.safeInvoke(roomID, h, frame)
	}
}

func (s *AudioStreamingService) safeInvoke(roomID int32, h func(model.AudioFrame), frame model.AudioFrame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("audio subscriber handler panicked", "room_id", roomID, "panic", r)
		}
	}()
	h(frame)
}

const nestAudioSampleRate = 48000
