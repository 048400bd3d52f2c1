package mesh

import (
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/topology"
)

// Event names published on the mesh bus.
const (
	// EventSignalingMessage carries an Outbound that must reach a peer.
	EventSignalingMessage = "signalingMessage"
	// EventReady carries a RoleReady each time a role becomes usable.
	EventReady = "ready"
	// EventSessionReady carries the peer id once every required role is ready.
	EventSessionReady = "sessionReady"
	// EventConnectionClose carries a ConnectionClosed, once per session.
	EventConnectionClose = "connectionClose"
	// EventForwardMessage carries an Inbound addressed to another identity.
	EventForwardMessage = "forwardMessage"
	// EventSignal carries an Inbound webrtc message received on a channel.
	EventSignal = "signal"
	// EventMessage carries an Inbound application message.
	EventMessage = "message"
	// EventPeerMode carries an Inbound mode announcement from a peer.
	EventPeerMode = "peerMode"
	// EventStreamCommand carries an Inbound stream control message.
	EventStreamCommand = "streamCommand"

	EventStreamAdded   = "streamAdded"
	EventStreamRemoved = "streamRemoved"

	EventSwitchToP2P     = "switchToP2P"
	EventTopologyChanged = "topologyChanged"
	// EventMeshReady fires once per coordinator, see Coordinator.Ready.
	EventMeshReady = "meshReady"
	// EventMeshComplete fires whenever the current topology becomes fully connected.
	EventMeshComplete = "meshComplete"
)

// Outbound is a signaling envelope waiting for delivery to Peer.
type Outbound struct {
	Peer     string
	Role     Role
	Envelope models.Envelope
}

type RoleReady struct {
	Peer string
	Role Role
}

// ConnectionClosed reports a session teardown. Err is nil for a local quit.
type ConnectionClosed struct {
	Peer string
	Err  error
}

// Inbound is an envelope received from Peer over a direct channel.
type Inbound struct {
	Peer     string
	Envelope models.Envelope
}

type TopologyChange struct {
	Topology      topology.List
	ChangesBefore bool
}
