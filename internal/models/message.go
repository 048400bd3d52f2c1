package models

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType is the top-level discriminator of every envelope exchanged over
// the relay socket or a peer data channel.
type MessageType string

const (
	TypeWebRTC     MessageType = "webrtc"
	TypeMode       MessageType = "mode"
	TypePing       MessageType = "ping"
	TypePong       MessageType = "pong"
	TypeQuit       MessageType = "quit"
	TypeStream     MessageType = "stream"
	TypeMessage    MessageType = "message"
	TypePresence   MessageType = "presence"
	TypeTopology   MessageType = "topology"
	TypeRoomChange MessageType = "roomChange"
	TypeError      MessageType = "error"
)

// Commands carried in Envelope.Cmd.
const (
	CmdOffer      = "offer"
	CmdAnswer     = "answer"
	CmdCandidates = "candidates"

	CmdP2P       = "p2p"
	CmdDetachAll = "detachAll"

	CmdHello          = "hello"
	CmdCreateRoom     = "createRoom"
	CmdListRooms      = "listRooms"
	CmdFindRoomByCode = "findRoomByCode"
	CmdGetRoom        = "getRoom"
	CmdLock           = "lock"
	CmdUnlock         = "unlock"
	CmdLeaveRoom      = "leaveRoom"
	CmdCloseRoom      = "closeRoom"

	CmdAnnounce    = "announce"
	CmdConnections = "connections"
	CmdUpdate      = "update"
)

// Envelope is the JSON message format shared by the relay server, the
// presence client and the peer data channels.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Cmd     string          `json:"cmd,omitempty"`
	Source  string          `json:"source,omitempty"`
	Target  string          `json:"target,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope and encodes data into it. A nil data leaves
// the payload empty.
func NewEnvelope(typ MessageType, cmd string, data any) (Envelope, error) {
	env := Envelope{Type: typ, Cmd: cmd}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s/%s payload: %w", typ, cmd, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s/%s: empty payload", e.Type, e.Cmd)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s payload: %w", e.Type, e.Cmd, err)
	}
	return nil
}

// Reply builds a response to e carrying the same id, type and cmd.
func (e Envelope) Reply(data any, replyErr error) Envelope {
	ok := replyErr == nil
	resp := Envelope{ID: e.ID, Type: e.Type, Cmd: e.Cmd, Success: &ok}
	if replyErr != nil {
		resp.Error = replyErr.Error()
		return resp
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			ok = false
			resp.Error = err.Error()
			return resp
		}
		resp.Data = raw
	}
	return resp
}

// IsResponse reports whether the envelope answers a request.
func (e Envelope) IsResponse() bool { return e.Success != nil }

// Succeeded reports whether the envelope is a successful response.
func (e Envelope) Succeeded() bool { return e.Success != nil && *e.Success }

// SignalData is the payload of webrtc/offer, webrtc/answer and
// webrtc/candidates messages.
type SignalData struct {
	TargetRoom         string                     `json:"targetRoom,omitempty"`
	Role               string                     `json:"role"`
	State              []string                   `json:"state,omitempty"`
	DescriptionVersion string                     `json:"descriptionVersion,omitempty"`
	Description        *webrtc.SessionDescription `json:"description,omitempty"`
	Candidates         []webrtc.ICECandidateInit  `json:"candidates,omitempty"`
}

// Hello is sent by the relay server right after the socket upgrade.
type Hello struct {
	ClientID string `json:"clientId"`
}

// TopologyAnnounce registers a mesh identity with the room's topology graph.
type TopologyAnnounce struct {
	Identity string `json:"identity"`
}

// TopologyConnections reports the peers a mesh identity holds links with.
type TopologyConnections struct {
	Identity  string   `json:"identity"`
	Neighbors []string `json:"neighbors"`
}

// TopologyUpdate is pushed to every member of a room after its graph changed.
type TopologyUpdate struct {
	Room  string     `json:"room"`
	Nodes []string   `json:"nodes"`
	Paths [][]string `json:"paths"`
}
