package nest

import (
	"context"
	"sync"

	"github.com/mira/nursery-relay/pkg/logger"
)

// NestStreamReaderManager reference-counts NestStreamReaders keyed by
// room id. A Nest reader is the only shared mutable object whose
// lifetime crosses streaming-service boundaries (audio and video both
// subscribe to the same camera's reader); its lifecycle is governed
// entirely by this reference count so double-dispose is impossible.
type NestStreamReaderManager struct {
	client *DeviceClient
	logger *logger.Logger

	mu      sync.Mutex
	entries map[int32]*readerEntry
}

type readerEntry struct {
	reader   *NestStreamReader
	refCount int
}

func NewNestStreamReaderManager(client *DeviceClient, log *logger.Logger) *NestStreamReaderManager {
	return &NestStreamReaderManager{
		client:  client,
		logger:  log,
		entries: make(map[int32]*readerEntry),
	}
}

// GetOrCreate returns the shared reader for roomID, starting it if this is
// the first reference, and increments its reference count. Safe for
// concurrent callers; operations on a given key are serialized by the
// manager's single mutex. If the room's device id changed since the
// reader was created, the stale reader is replaced in place: the old one
// is disposed and a fresh reader inherits the existing reference count,
// so other holders keep their key-based reference and reattach their
// frame callbacks on their own reconciliation pass.
func (m *NestStreamReaderManager) GetOrCreate(ctx context.Context, roomID int32, deviceID string) *NestStreamReader {
	m.mu.Lock()

	var stale *NestStreamReader
	if e, ok := m.entries[roomID]; ok {
		if e.reader.deviceID == deviceID {
			e.refCount++
			reader := e.reader
			m.mu.Unlock()
			return reader
		}
		stale = e.reader
		reader := NewNestStreamReader(m.client, deviceID, m.logger.With("room_id", roomID))
		reader.Start(ctx)
		e.reader = reader
		e.refCount++
		m.mu.Unlock()
		_ = stale.Close()
		return reader
	}

	reader := NewNestStreamReader(m.client, deviceID, m.logger.With("room_id", roomID))
	reader.Start(ctx)
	m.entries[roomID] = &readerEntry{reader: reader, refCount: 1}
	m.mu.Unlock()
	return reader
}

// Release decrements roomID's reference count; at zero the reader is
// disposed and removed.
func (m *NestStreamReaderManager) Release(roomID int32) {
	m.mu.Lock()
	e, ok := m.entries[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refCount--
	dispose := e.refCount <= 0
	if dispose {
		delete(m.entries, roomID)
	}
	m.mu.Unlock()

	if dispose {
		_ = e.reader.Close()
	}
}

// Stop force-disposes roomID's reader regardless of reference count, used
// when a room is deleted or its source reconfigured out from under active
// subscribers.
func (m *NestStreamReaderManager) Stop(roomID int32) {
	m.mu.Lock()
	e, ok := m.entries[roomID]
	if ok {
		delete(m.entries, roomID)
	}
	m.mu.Unlock()

	if ok {
		_ = e.reader.Close()
	}
}

// RefCount reports the current reference count for roomID (0 if absent).
func (m *NestStreamReaderManager) RefCount(roomID int32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[roomID]; ok {
		return e.refCount
	}
	return 0
}
