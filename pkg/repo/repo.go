// Package repo declares the persistent-state contracts the relay consumes.
// The storage mechanism itself is an external collaborator; this
// package also provides a minimal in-memory implementation used by tests
// and by cmd/monitor when no external store is wired.
package repo

import (
	"fmt"
	"sync"

	"github.com/mira/nursery-relay/pkg/model"
)

// RoomRepository is the room-configuration contract the streaming services
// consult during room reconciliation, and the contract the signaling hub's
// CreateRoom/UpdateRoom/DeleteRoom calls mutate through.
type RoomRepository interface {
	List() ([]model.Room, error)
	Find(id int32) (model.Room, bool, error)
	Create(room model.Room) (model.Room, error)
	Update(room model.Room) (model.Room, error)
	Delete(id int32) (bool, error)
	UpdateSettings(id int32, mutate func(*model.Room)) error
}

// SettingsRepository is the global-settings contract.
type SettingsRepository interface {
	Get() (model.GlobalSettings, error)
	Update(s model.GlobalSettings) error
}

// MemoryRoomRepository is an in-memory RoomRepository for tests and for
// running the relay without an external configuration store.
type MemoryRoomRepository struct {
	mu     sync.RWMutex
	rooms  map[int32]model.Room
	nextID int32
}

func NewMemoryRoomRepository(seed ...model.Room) *MemoryRoomRepository {
	r := &MemoryRoomRepository{rooms: make(map[int32]model.Room)}
	for _, room := range seed {
		r.rooms[room.ID] = room
		if room.ID >= r.nextID {
			r.nextID = room.ID + 1
		}
	}
	return r
}

func (r *MemoryRoomRepository) List() ([]model.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out, nil
}

func (r *MemoryRoomRepository) Find(id int32) (model.Room, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok, nil
}

func (r *MemoryRoomRepository) Put(room model.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID] = room
	if room.ID >= r.nextID {
		r.nextID = room.ID + 1
	}
}

// Create assigns a fresh id to room and stores it.
func (r *MemoryRoomRepository) Create(room model.Room) (model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.ID = r.nextID
	r.nextID++
	r.rooms[room.ID] = room
	return room, nil
}

// Update replaces the stored room with matching id.
func (r *MemoryRoomRepository) Update(room model.Room) (model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room.ID]; !ok {
		return model.Room{}, fmt.Errorf("room %d not found", room.ID)
	}
	r.rooms[room.ID] = room
	return room, nil
}

// Delete removes id, reporting whether it was present.
func (r *MemoryRoomRepository) Delete(id int32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[id]
	delete(r.rooms, id)
	return ok, nil
}

func (r *MemoryRoomRepository) UpdateSettings(id int32, mutate func(*model.Room)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return fmt.Errorf("room %d not found", id)
	}
	mutate(&room)
	r.rooms[id] = room
	return nil
}

// MemorySettingsRepository is an in-memory SettingsRepository for tests.
type MemorySettingsRepository struct {
	mu       sync.RWMutex
	settings model.GlobalSettings
}

func NewMemorySettingsRepository(initial model.GlobalSettings) *MemorySettingsRepository {
	return &MemorySettingsRepository{settings: initial}
}

func (s *MemorySettingsRepository) Get() (model.GlobalSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *MemorySettingsRepository) Update(v model.GlobalSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = v
	return nil
}
