package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mira/nursery-relay/pkg/model"
)

// Call parameter/result shapes for the signaling protocol.

type roomIDPayload struct {
	RoomID int32 `json:"roomId"`
}

type deleteRoomResult struct {
	Deleted bool `json:"deleted"`
}

type setRemoteDescriptionPayload struct {
	RoomID int32  `json:"roomId"`
	Type   string `json:"type"` // "answer" | "offer"
	SDP    string `json:"sdp"`
}

type addICECandidatePayload struct {
	RoomID        int32   `json:"roomId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type offerResult struct {
	SDP string `json:"sdp"`
}

type iceCandidatePush struct {
	RoomID        int32   `json:"roomId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// handle dispatches one client->server call by Type and replies with the
// matching result or error, tagged with the same request id.
func (c *client) handle(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	switch env.Type {
	case "GetRooms":
		rooms, err := c.hub.roomRepo.List()
		c.reply(env.ID, env.Type, rooms, err)

	case "CreateRoom":
		var room model.Room
		if err := json.Unmarshal(env.Payload, &room); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode room: %w", err))
			return
		}
		created, err := c.hub.roomRepo.Create(room)
		if err == nil {
			c.hub.RoomsUpdated()
		}
		c.reply(env.ID, env.Type, created, err)

	case "UpdateRoom":
		var room model.Room
		if err := json.Unmarshal(env.Payload, &room); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode room: %w", err))
			return
		}
		updated, err := c.hub.roomRepo.Update(room)
		if err == nil {
			c.hub.RoomsUpdated()
			c.hub.ActiveRoomChanged(updated)
		}
		c.reply(env.ID, env.Type, updated, err)

	case "DeleteRoom":
		var p roomIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		deleted, err := c.hub.roomRepo.Delete(p.RoomID)
		if err == nil {
			c.hub.RoomsUpdated()
		}
		c.reply(env.ID, env.Type, deleteRoomResult{Deleted: deleted}, err)

	case "GetAudioSettings", "GetGlobalSettings":
		settings, err := c.hub.settingsRepo.Get()
		c.reply(env.ID, env.Type, settings, err)

	case "UpdateAudioSettings":
		var settings model.GlobalSettings
		if err := json.Unmarshal(env.Payload, &settings); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode settings: %w", err))
			return
		}
		err := c.hub.settingsRepo.Update(settings)
		if err == nil {
			if c.hub.OnSettingsChanged != nil {
				c.hub.OnSettingsChanged(settings)
			}
			c.hub.SettingsUpdated()
		}
		c.reply(env.ID, env.Type, nil, err)

	case "GetRoomStatus":
		if c.hub.StatusFunc == nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("room status not available"))
			return
		}
		c.reply(env.ID, env.Type, c.hub.StatusFunc(), nil)

	case "StartAudioStream":
		var p roomIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		sdp, err := c.hub.audio.StartStream(ctx, c.id, p.RoomID)
		c.reply(env.ID, env.Type, offerResult{SDP: sdp}, err)

	case "SetAudioRemoteDescription":
		var p setRemoteDescriptionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		err := c.hub.audio.SetRemoteDescription(c.id, p.RoomID, p.SDP)
		c.reply(env.ID, env.Type, nil, err)

	case "AddAudioIceCandidate":
		var p addICECandidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		err := c.hub.audio.AddICECandidate(c.id, p.RoomID, p.Candidate, p.SDPMid, p.SDPMLineIndex)
		c.reply(env.ID, env.Type, nil, err)

	case "StopAudioStream":
		var p roomIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		err := c.hub.audio.StopStream(c.id, p.RoomID)
		c.reply(env.ID, env.Type, nil, err)

	case "StartVideoStream":
		var p roomIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		sdp, err := c.hub.video.StartStream(ctx, c.id, p.RoomID)
		c.reply(env.ID, env.Type, offerResult{SDP: sdp}, err)

	case "SetVideoRemoteDescription":
		var p setRemoteDescriptionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		err := c.hub.video.SetRemoteDescription(c.id, p.RoomID, p.SDP)
		c.reply(env.ID, env.Type, nil, err)

	case "AddVideoIceCandidate":
		var p addICECandidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		err := c.hub.video.AddICECandidate(c.id, p.RoomID, p.Candidate, p.SDPMid, p.SDPMLineIndex)
		c.reply(env.ID, env.Type, nil, err)

	case "StopVideoStream":
		var p roomIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply(env.ID, env.Type, nil, fmt.Errorf("decode payload: %w", err))
			return
		}
		err := c.hub.video.StopStream(c.id, p.RoomID)
		c.reply(env.ID, env.Type, nil, err)

	default:
		c.reply(env.ID, env.Type, nil, fmt.Errorf("unknown call type %q", env.Type))
	}
}

const callTimeout = 15 * time.Second

// HandleAudioICECandidate pushes one locally-gathered audio ICE candidate
// to peerID's connection as a ReceiveAudioIceCandidate event, wired to
// AudioWebRtcService.OnICECandidate.
func (h *Hub) HandleAudioICECandidate(peerID string, roomID int32, candidate string) {
	h.pushTo(peerID, "ReceiveAudioIceCandidate", iceCandidatePush{RoomID: roomID, Candidate: candidate})
}

// HandleVideoICECandidate mirrors HandleAudioICECandidate for video.
func (h *Hub) HandleVideoICECandidate(peerID string, roomID int32, candidate string) {
	h.pushTo(peerID, "ReceiveVideoIceCandidate", iceCandidatePush{RoomID: roomID, Candidate: candidate})
}

func (h *Hub) pushTo(peerID, typ string, payload interface{}) {
	h.mu.RLock()
	c, ok := h.clients[peerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.push(typ, payload)
}
