package mesh

import (
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of a WebRTC peer connection the negotiator
// drives. PionFactory provides the production implementation.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	CreateDataChannel(label string) (DataChannel, error)
	AddStream(Stream) error
	RemoveStream(Stream) error

	// OnICECandidate receives nil once gathering has completed.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnDataChannel(func(DataChannel))
	OnRemoteStream(func(RemoteStream))

	Close() error
}

type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(func())
	OnClose(func())
	OnMessage(func([]byte))
	Send([]byte) error
	Close() error
}

// Stream is a group of local tracks attached to peers as a unit.
type Stream interface {
	StreamID() string
	Tracks() []webrtc.TrackLocal
}

// RemoteStream describes a track received from a peer.
type RemoteStream struct {
	Peer     string `json:"peer"`
	StreamID string `json:"streamId"`
	TrackID  string `json:"trackId"`
	Kind     string `json:"kind"`
}

// Factory opens one peer connection per role.
type Factory interface {
	NewPeerConnection(role Role) (PeerConnection, error)
}

// LocalStream is a plain Stream implementation.
type LocalStream struct {
	ID          string
	LocalTracks []webrtc.TrackLocal
}

func (s *LocalStream) StreamID() string            { return s.ID }
func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.LocalTracks }
