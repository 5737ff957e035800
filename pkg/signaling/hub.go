// Package signaling implements the persistent bidirectional message
// channel between each viewer and the relay: one websocket connection
// over which the viewer issues request/response calls (GetRooms,
// StartAudioStream, ...) and the hub pushes unsolicited events
// (RoomsUpdated, ReceiveAudioIceCandidate, ...). Calls and responses are
// correlated by request id; pushes carry no id.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mira/nursery-relay/pkg/model"
	"github.com/mira/nursery-relay/pkg/repo"
)

// AudioService is the subset of AudioWebRtcService the hub calls into.
type AudioService interface {
	StartStream(ctx context.Context, peerID string, roomID int32) (string, error)
	SetRemoteDescription(peerID string, roomID int32, answerSDP string) error
	AddICECandidate(peerID string, roomID int32, candidate string, sdpMid *string, sdpMLineIndex *uint16) error
	StopStream(peerID string, roomID int32) error
	CloseAllForPeer(peerID string)
}

// VideoService mirrors AudioService for the video peer connections.
type VideoService interface {
	StartStream(ctx context.Context, peerID string, roomID int32) (string, error)
	SetRemoteDescription(peerID string, roomID int32, answerSDP string) error
	AddICECandidate(peerID string, roomID int32, candidate string, sdpMid *string, sdpMLineIndex *uint16) error
	StopStream(peerID string, roomID int32) error
	CloseAllForPeer(peerID string)
}

// envelope is the wire shape for both client calls and server responses.
// A client->server message always carries Id and Type (+ Payload); a
// server->client response echoes Id and carries either Result or Error. A
// server->client push carries only Type and Payload, with Id empty.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // viewers are assumed same-origin
}

// client is one viewer's persistent connection.
type client struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	hub    *Hub
	logger *slog.Logger

	// closeMu guards closed: call handlers run on their own goroutines and
	// may try to enqueue a reply after readPump has torn the connection down.
	closeMu sync.Mutex
	closed  bool
}

// Hub owns every connected client. It routes
// each client's calls to the room/settings repositories and the two WebRTC
// services, and fans server-initiated pushes out to every connection.
type Hub struct {
	audio        AudioService
	video        VideoService
	roomRepo     repo.RoomRepository
	settingsRepo repo.SettingsRepository
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client

	// OnSettingsChanged is invoked after a successful UpdateAudioSettings so
	// live audio processors pick up the new tunables immediately instead of
	// waiting for the next room reconciliation tick.
	OnSettingsChanged func(model.GlobalSettings)

	// StatusFunc, when set, answers GetRoomStatus queries with the streaming
	// services' current reader/subscriber state.
	StatusFunc func() interface{}
}

func NewHub(audioSvc AudioService, videoSvc VideoService, roomRepo repo.RoomRepository, settingsRepo repo.SettingsRepository, logger *slog.Logger) *Hub {
	return &Hub{
		audio:        audioSvc,
		video:        videoSvc,
		roomRepo:     roomRepo,
		settingsRepo: settingsRepo,
		logger:       logger,
		clients:      make(map[string]*client),
	}
}

// ServeHTTP upgrades the request to a websocket and runs the connection
// until it disconnects. On disconnect the hub calls CloseAllForPeer on
// both WebRTC services so no orphaned peer connections survive the viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan []byte, 256),
		hub:    h,
	}
	c.logger = h.logger.With("peer_id", c.id)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	c.logger.Info("signaling client connected")

	go c.writePump()
	c.readPump()

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.audio.CloseAllForPeer(c.id)
	h.video.CloseAllForPeer(c.id)
	c.logger.Info("signaling client disconnected")
}

func (c *client) readPump() {
	defer func() {
		c.closeMu.Lock()
		c.closed = true
		close(c.sendCh)
		c.closeMu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("malformed signaling message", "error", err)
			continue
		}
		go c.handle(env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendCh:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a call's result (or error) back tagged with its request id.
func (c *client) reply(id, typ string, result interface{}, callErr error) {
	env := envelope{ID: id, Type: typ}
	if callErr != nil {
		env.Error = callErr.Error()
	} else if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			env.Error = fmt.Sprintf("marshal result: %v", err)
		} else {
			env.Result = data
		}
	}
	c.enqueue(env)
}

// push sends an unsolicited server->client message (no request id).
func (c *client) push(typ string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal push payload failed", "type", typ, "error", err)
		return
	}
	c.enqueue(envelope{Type: typ, Payload: data})
}

// enqueue marshals and buffers env, dropping it if the client's send
// buffer is full rather than blocking the hub: a slow or wedged viewer
// must not stall delivery to every other peer.
func (c *client) enqueue(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshal signaling envelope failed", "error", err)
		return
	}
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("signaling send buffer full, dropping message", "type", env.Type)
	}
}

// broadcast pushes typ/payload to every currently connected client, used
// for RoomsUpdated/ActiveRoomChanged/SettingsUpdated.
func (h *Hub) broadcast(typ string, payload interface{}) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.push(typ, payload)
	}
}

// RoomsUpdated pushes a RoomsUpdated() event to every connected viewer.
func (h *Hub) RoomsUpdated() { h.broadcast("RoomsUpdated", struct{}{}) }

// SettingsUpdated pushes a SettingsUpdated() event to every connected viewer.
func (h *Hub) SettingsUpdated() { h.broadcast("SettingsUpdated", struct{}{}) }

// ActiveRoomChanged pushes an ActiveRoomChanged(room) event to every
// connected viewer.
func (h *Hub) ActiveRoomChanged(room interface{}) { h.broadcast("ActiveRoomChanged", room) }
