package mesh

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/events"
	"github.com/mossy-p/webrtc-mesh/internal/models"
)

type Mode int32

const (
	ModeRelay Mode = iota
	ModeMesh
)

func (m Mode) String() string {
	if m == ModeMesh {
		return "mesh"
	}
	return "relay"
}

// Relay is the star-shaped signaling path through the relay server.
type Relay interface {
	Send(env models.Envelope) error
}

// SessionLookup resolves peer ids to live sessions.
type SessionLookup interface {
	Session(id string) (*Session, bool)
	Sessions() []*Session
}

// Router picks the path of every outgoing signaling message: the relay
// server, or a direct channel once the mesh is up.
type Router struct {
	relay    Relay
	sessions SessionLookup
	bus      *events.Bus
	log      *logrus.Entry

	mode       atomic.Int32
	switchOnce sync.Once

	mu        sync.RWMutex
	meshPeers map[string]bool
}

func NewRouter(relay Relay, sessions SessionLookup, bus *events.Bus, logger *logrus.Logger) *Router {
	return &Router{
		relay:     relay,
		sessions:  sessions,
		bus:       bus,
		log:       logger.WithField("component", "router"),
		meshPeers: make(map[string]bool),
	}
}

// Attach subscribes the router to outgoing signaling messages on its bus.
func (r *Router) Attach() (cancel func()) {
	return r.bus.Subscribe(EventSignalingMessage, func(payload any) {
		out, ok := payload.(Outbound)
		if !ok {
			return
		}
		if err := r.Deliver(out); err != nil {
			r.log.WithError(err).WithField("peer", out.Peer).Warn("Signaling message not delivered")
		}
	})
}

func (r *Router) Mode() Mode {
	return Mode(r.mode.Load())
}

// Deliver sends out directly when the mesh path to its peer is usable and
// through the relay otherwise. A direct message goes on the channel of
// out.Role when that role has one open.
func (r *Router) Deliver(out Outbound) error {
	if r.Mode() == ModeMesh || r.peerInMesh(out.Peer) {
		if s, ok := r.sessions.Session(out.Peer); ok {
			// The role's own channel first, then any open channel.
			err := s.SendOn(out.Role, out.Envelope)
			if err != nil {
				err = s.SendDirect(out.Envelope)
			}
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrChannelNotOpen) {
				r.log.WithError(err).Debug("Direct send failed, using relay")
			}
		}
	}
	if r.relay == nil {
		return ErrUnroutable
	}
	return r.relay.Send(out.Envelope)
}

// MarkPeerMesh records that peer announced it talks to us directly.
func (r *Router) MarkPeerMesh(peer string) {
	r.mu.Lock()
	r.meshPeers[peer] = true
	r.mu.Unlock()
}

func (r *Router) ForgetPeer(peer string) {
	r.mu.Lock()
	delete(r.meshPeers, peer)
	r.mu.Unlock()
}

func (r *Router) peerInMesh(peer string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meshPeers[peer]
}

// SwitchToMesh announces mesh mode to every peer and flips the router. Only
// the first call has any effect.
func (r *Router) SwitchToMesh() {
	r.switchOnce.Do(func() {
		for _, s := range r.sessions.Sessions() {
			env := models.Envelope{Type: models.TypeMode, Cmd: models.CmdP2P}
			if err := s.SendDirect(env); err != nil {
				r.log.WithError(err).WithField("peer", s.Peer().String()).Warn("Mode switch not announced")
			}
		}
		r.mode.Store(int32(ModeMesh))
		r.log.Info("Switched to mesh mode")
		r.bus.Publish(EventSwitchToP2P, nil)
	})
}
