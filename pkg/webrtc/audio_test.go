package webrtc

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mira/nursery-relay/pkg/model"
)

func TestSendLevelTelemetryRateLimited(t *testing.T) {
	conn := &audioConn{logger: slog.Default()}
	s := &AudioWebRtcService{logger: slog.Default()}

	s.sendLevelTelemetry(conn, -10)
	first := conn.lastTelemetry

	s.sendLevelTelemetry(conn, -10)
	if conn.lastTelemetry != first {
		t.Error("expected call within telemetryMinInterval to be dropped")
	}

	time.Sleep(telemetryMinInterval + 15*time.Millisecond)
	s.sendLevelTelemetry(conn, -10)
	if !conn.lastTelemetry.After(first) {
		t.Error("expected telemetry to send again once the interval elapsed")
	}
}

func TestAudioLevelMessageShape(t *testing.T) {
	b, err := json.Marshal(audioLevelMessage{Type: "audioLevel", Level: -12.5, Timestamp: 1700000000000})
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out["type"] != "audioLevel" || out["level"] != float64(-12.5) || out["timestamp"] != float64(1700000000000) {
		t.Errorf("unexpected shape: %s", b)
	}
}

func TestSoundAlertMessageShape(t *testing.T) {
	b, err := json.Marshal(soundAlertMessage{Type: "soundAlert", Level: -5, Threshold: -20, RoomID: 3, Timestamp: 1700000000000})
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out["type"] != "soundAlert" || out["threshold"] != float64(-20) || out["roomId"] != float64(3) {
		t.Errorf("unexpected shape: %s", b)
	}
}

func TestHandleSoundAlertSkipsOtherRooms(t *testing.T) {
	s := &AudioWebRtcService{
		logger: slog.Default(),
		conns: map[string]*audioConn{
			"p_a_1": {roomID: 1, logger: slog.Default()},
			"p_a_2": {roomID: 2, logger: slog.Default()},
		},
	}
	// No data channels attached, so this only needs to not panic while
	// filtering connections down to the alert's room.
	s.HandleSoundAlert(model.SoundAlert{RoomID: 1, LevelDB: -5, ThresholdDB: -20, Timestamp: time.Now()})
}
