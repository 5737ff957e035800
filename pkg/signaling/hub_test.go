package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira/nursery-relay/pkg/model"
	"github.com/mira/nursery-relay/pkg/repo"
)

// fakeMediaService is a minimal AudioService/VideoService stand-in that
// records the room each peer started and every peer passed to
// CloseAllForPeer (StopStream records nothing), used to assert the hub
// wires calls through without needing a real PeerConnection.
type fakeMediaService struct {
	mu      sync.Mutex
	started map[string]int32
	closed  []string
}

func newFakeMediaService() *fakeMediaService {
	return &fakeMediaService{started: make(map[string]int32)}
}

func (f *fakeMediaService) StartStream(_ context.Context, peerID string, roomID int32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[peerID] = roomID
	return "v=0\r\no=- offer\r\n", nil
}

func (f *fakeMediaService) SetRemoteDescription(string, int32, string) error { return nil }

func (f *fakeMediaService) AddICECandidate(string, int32, string, *string, *uint16) error { return nil }

func (f *fakeMediaService) StopStream(string, int32) error { return nil }

func (f *fakeMediaService) CloseAllForPeer(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, peerID)
}

func newTestHub() (*Hub, *fakeMediaService, *fakeMediaService) {
	audio := newFakeMediaService()
	video := newFakeMediaService()
	roomRepo := repo.NewMemoryRoomRepository(model.Room{
		ID: 1, Name: "Nursery", StreamSourceType: model.SourceRTSP,
		EnableAudioStream: true, EnableVideoStream: true, CameraStreamURL: "rtsp://cam/1",
	})
	settingsRepo := repo.NewMemorySettingsRepository(model.DefaultGlobalSettings())
	return NewHub(audio, video, roomRepo, settingsRepo, slog.Default()), audio, video
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) envelope {
	t.Helper()
	resp, _ := callCollectingPushes(t, conn, typ, payload)
	return resp
}

// callCollectingPushes sends one request and reads until the reply tagged
// with its id arrives, returning the reply and every push (a message with
// no id) the hub delivered before it.
func callCollectingPushes(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) (envelope, []envelope) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	req := envelope{ID: "req-1", Type: typ, Payload: raw}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

	var pushes []envelope
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var resp envelope
		require.NoError(t, json.Unmarshal(data, &resp))
		if resp.ID == req.ID {
			return resp, pushes
		}
		pushes = append(pushes, resp)
	}
}

func TestGetRoomsReturnsSeededRoom(t *testing.T) {
	h, _, _ := newTestHub()
	conn := dial(t, h)

	resp := call(t, conn, "GetRooms", nil)
	assert.Equal(t, "GetRooms", resp.Type)
	assert.Empty(t, resp.Error)

	var rooms []model.Room
	require.NoError(t, json.Unmarshal(resp.Result, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "Nursery", rooms[0].Name)
}

func TestCreateRoomBroadcastsRoomsUpdated(t *testing.T) {
	h, _, _ := newTestHub()
	conn := dial(t, h)

	resp, pushes := callCollectingPushes(t, conn, "CreateRoom", model.Room{Name: "Second", StreamSourceType: model.SourceRTSP, CameraStreamURL: "rtsp://cam/2"})
	assert.Empty(t, resp.Error)

	var created model.Room
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	assert.Equal(t, "Second", created.Name)
	assert.NotZero(t, created.ID)

	pushTypes := make([]string, 0, len(pushes))
	for _, p := range pushes {
		pushTypes = append(pushTypes, p.Type)
	}
	assert.Contains(t, pushTypes, "RoomsUpdated")
}

func TestStartAudioStreamReturnsOfferAndWiresPeerID(t *testing.T) {
	h, audio, _ := newTestHub()
	conn := dial(t, h)

	resp := call(t, conn, "StartAudioStream", roomIDPayload{RoomID: 1})
	assert.Empty(t, resp.Error)

	var out offerResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Contains(t, out.SDP, "v=0")

	audio.mu.Lock()
	defer audio.mu.Unlock()
	assert.Len(t, audio.started, 1)
}

func TestUnknownCallTypeReturnsError(t *testing.T) {
	h, _, _ := newTestHub()
	conn := dial(t, h)

	resp := call(t, conn, "NotARealCall", nil)
	assert.NotEmpty(t, resp.Error)
}

func TestDisconnectClosesAllConnectionsForPeer(t *testing.T) {
	h, audio, video := newTestHub()
	conn := dial(t, h)

	call(t, conn, "StartAudioStream", roomIDPayload{RoomID: 1})
	conn.Close()

	require.Eventually(t, func() bool {
		audio.mu.Lock()
		defer audio.mu.Unlock()
		return len(audio.closed) == 1
	}, time.Second, 10*time.Millisecond)

	video.mu.Lock()
	defer video.mu.Unlock()
	assert.Len(t, video.closed, 1)
}

func TestUpdateAudioSettingsInvokesHotReloadHook(t *testing.T) {
	h, _, _ := newTestHub()

	var applied []model.GlobalSettings
	var mu sync.Mutex
	h.OnSettingsChanged = func(s model.GlobalSettings) {
		mu.Lock()
		applied = append(applied, s)
		mu.Unlock()
	}

	conn := dial(t, h)
	next := model.DefaultGlobalSettings()
	next.SoundThresholdDB = -35
	resp := call(t, conn, "UpdateAudioSettings", next)
	assert.Empty(t, resp.Error)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, applied, 1)
	assert.Equal(t, float64(-35), applied[0].SoundThresholdDB)

	stored, err := h.settingsRepo.Get()
	require.NoError(t, err)
	assert.Equal(t, float64(-35), stored.SoundThresholdDB)
}

func TestGetRoomStatus(t *testing.T) {
	h, _, _ := newTestHub()
	conn := dial(t, h)

	// Without a wired status source the call errors cleanly.
	resp := call(t, conn, "GetRoomStatus", nil)
	assert.NotEmpty(t, resp.Error)

	h.StatusFunc = func() interface{} {
		return map[string]int{"activeRooms": 2}
	}
	resp = call(t, conn, "GetRoomStatus", nil)
	assert.Empty(t, resp.Error)

	var out map[string]int
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, 2, out["activeRooms"])
}
