package mesh

import "errors"

var (
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrSessionClosed      = errors.New("peer session closed")
	ErrNegotiation        = errors.New("negotiation failed")
	ErrLivenessTimeout    = errors.New("peer missed heartbeat")
	ErrTerminalICE        = errors.New("ice connection ended")
	ErrRemoteQuit         = errors.New("peer quit")
	ErrUnroutable         = errors.New("message has no route")
	ErrChannelNotOpen     = errors.New("data channel not open")
	ErrCoordinatorStopped = errors.New("coordinator stopped")
	ErrRemovedFromMesh    = errors.New("peer removed from topology")
)
