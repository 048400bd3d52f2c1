package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/events"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peerid"
)

// SessionConfig describes one session with a remote peer.
type SessionConfig struct {
	Self    peerid.Identity
	Peer    peerid.Identity
	Room    string
	Factory Factory
	Bus     *events.Bus
	Logger  *logrus.Logger

	// RequiredRoles must all be ready before the session reports readiness.
	// Defaults to the data role.
	RequiredRoles []Role
	// HeartbeatInterval defaults to DefaultHeartbeatInterval; negative disables it.
	HeartbeatInterval time.Duration
	DisconnectGrace   time.Duration
}

// Session holds every negotiation track with a single remote peer.
type Session struct {
	self     peerid.Identity
	peer     peerid.Identity
	room     string
	factory  Factory
	bus      *events.Bus
	log      *logrus.Entry
	required []Role
	grace    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	negotiators   map[Role]*negotiator
	channels      map[Role]DataChannel
	readyRoles    map[Role]bool
	remoteStreams map[string]RemoteStream
	closing       bool

	hb        *heartbeat
	readyOnce sync.Once
	readyCh   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	finished  chan struct{}
	closeErr  error
}

func NewSession(cfg SessionConfig) *Session {
	if len(cfg.RequiredRoles) == 0 {
		cfg.RequiredRoles = []Role{RoleData}
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = DefaultDisconnectGrace
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		self:          cfg.Self,
		peer:          cfg.Peer,
		room:          cfg.Room,
		factory:       cfg.Factory,
		bus:           cfg.Bus,
		log:           cfg.Logger.WithField("peer", cfg.Peer.String()),
		required:      cfg.RequiredRoles,
		grace:         cfg.DisconnectGrace,
		ctx:           ctx,
		cancel:        cancel,
		negotiators:   make(map[Role]*negotiator),
		channels:      make(map[Role]DataChannel),
		readyRoles:    make(map[Role]bool),
		remoteStreams: make(map[string]RemoteStream),
		readyCh:       make(chan struct{}),
		closed:        make(chan struct{}),
		finished:      make(chan struct{}),
	}

	interval := cfg.HeartbeatInterval
	if interval < 0 {
		interval = 0
	}
	s.hb = newHeartbeat(interval, s.ping, func() {
		s.log.Warn("Heartbeat missed, closing session")
		s.closeWith(ErrLivenessTimeout)
	})
	return s
}

func (s *Session) Peer() peerid.Identity { return s.peer }

// Ready is closed once every required role has become ready.
func (s *Session) Ready() <-chan struct{} { return s.readyCh }

// Closed is closed as soon as teardown starts.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Done is closed once teardown has finished and connectionClose was published.
func (s *Session) Done() <-chan struct{} { return s.finished }

func (s *Session) IsReady() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// Err returns the reason the session closed, nil while open or after a local quit.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) negotiator(role Role) (*negotiator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, ErrSessionClosed
	}
	n, ok := s.negotiators[role]
	if !ok {
		n = newNegotiator(s, role)
		s.negotiators[role] = n
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			n.run()
		}()
	}
	return n, nil
}

// InitiateOffer starts a negotiation round for role and blocks until the role
// is ready, the round fails, ctx ends or the session closes.
func (s *Session) InitiateOffer(ctx context.Context, role Role) error {
	n, err := s.negotiator(role)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	if !n.mailbox.Put(initiateEvent{result: result}) {
		return ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Connect negotiates every required role and waits for session readiness.
func (s *Session) Connect(ctx context.Context) error {
	for _, role := range s.required {
		if err := s.InitiateOffer(ctx, role); err != nil {
			return fmt.Errorf("connect %s to %s: %w", role, s.peer, err)
		}
	}
	return s.WaitReady(ctx)
}

func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Deliver hands an inbound webrtc envelope to the negotiator of its role.
// It never blocks.
func (s *Session) Deliver(env models.Envelope) error {
	var data models.SignalData
	if err := env.Decode(&data); err != nil {
		return err
	}
	role, err := ParseRole(data.Role)
	if err != nil {
		return err
	}

	var ev negotiatorEvent
	switch env.Cmd {
	case models.CmdOffer, models.CmdAnswer:
		if data.Description == nil {
			return fmt.Errorf("%s without description", env.Cmd)
		}
		if env.Cmd == models.CmdOffer {
			ev = offerEvent{version: data.DescriptionVersion, desc: *data.Description}
		} else {
			ev = answerEvent{version: data.DescriptionVersion, desc: *data.Description}
		}
	case models.CmdCandidates:
		ev = candidatesEvent{candidates: data.Candidates}
	default:
		return fmt.Errorf("unknown webrtc command %q", env.Cmd)
	}

	n, err := s.negotiator(role)
	if err != nil {
		return err
	}
	if !n.mailbox.Put(ev) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) emitSignal(role Role, cmd string, data models.SignalData) {
	data.TargetRoom = s.room
	env, err := models.NewEnvelope(models.TypeWebRTC, cmd, data)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode signaling message")
		return
	}
	env.Source = s.self.String()
	env.Target = s.peer.String()
	s.bus.Publish(EventSignalingMessage, Outbound{Peer: s.peer.String(), Role: role, Envelope: env})
}

func (s *Session) roleReady(role Role) {
	s.log.WithField("role", role).Info("Role ready")
	s.bus.Publish(EventReady, RoleReady{Peer: s.peer.String(), Role: role})
	if role == RoleData {
		s.hb.start()
	}

	s.mu.Lock()
	s.readyRoles[role] = true
	all := true
	for _, r := range s.required {
		if !s.readyRoles[r] {
			all = false
			break
		}
	}
	s.mu.Unlock()

	if all {
		s.readyOnce.Do(func() {
			close(s.readyCh)
			s.bus.Publish(EventSessionReady, s.peer.String())
		})
	}
}

func (s *Session) setChannel(role Role, dc DataChannel) {
	s.mu.Lock()
	s.channels[role] = dc
	s.mu.Unlock()
}

func (s *Session) clearChannel(role Role, dc DataChannel) {
	s.mu.Lock()
	if s.channels[role] == dc {
		delete(s.channels, role)
	}
	s.mu.Unlock()
}

// Channel returns the open data channel of role.
func (s *Session) Channel(role Role) (DataChannel, bool) {
	s.mu.Lock()
	dc, ok := s.channels[role]
	s.mu.Unlock()
	if !ok || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, false
	}
	return dc, true
}

// HasDirectChannel reports whether any data channel to the peer is open.
func (s *Session) HasDirectChannel() bool {
	for _, role := range []Role{RoleSignaling, RoleData} {
		if _, ok := s.Channel(role); ok {
			return true
		}
	}
	return false
}

// SendOn writes env on the channel of role.
func (s *Session) SendOn(role Role, env models.Envelope) error {
	dc, ok := s.Channel(role)
	if !ok {
		return fmt.Errorf("%w: %s to %s", ErrChannelNotOpen, role, s.peer)
	}
	if env.Source == "" {
		env.Source = s.self.String()
	}
	if env.Target == "" {
		env.Target = s.peer.String()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", env.Type, err)
	}
	return dc.Send(raw)
}

// SendDirect writes env on the signaling channel, falling back to the data channel.
func (s *Session) SendDirect(env models.Envelope) error {
	err := s.SendOn(RoleSignaling, env)
	if err == nil {
		return nil
	}
	return s.SendOn(RoleData, env)
}

// Send writes an application message on the data channel, falling back to
// the signaling channel.
func (s *Session) Send(env models.Envelope) error {
	err := s.SendOn(RoleData, env)
	if err == nil {
		return nil
	}
	return s.SendOn(RoleSignaling, env)
}

func (s *Session) ping() error {
	return s.SendOn(RoleData, models.Envelope{Type: models.TypePing})
}

func (s *Session) handleChannelMessage(role Role, dc DataChannel, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.WithError(err).Warn("Dropping malformed channel message")
		return
	}
	if env.Source == "" {
		env.Source = s.peer.String()
	}
	if env.Target != "" && env.Target != s.self.String() {
		s.bus.Publish(EventForwardMessage, Inbound{Peer: s.peer.String(), Envelope: env})
		return
	}

	in := Inbound{Peer: s.peer.String(), Envelope: env}
	switch env.Type {
	case models.TypePing:
		pong, _ := json.Marshal(models.Envelope{Type: models.TypePong, Source: s.self.String(), Target: s.peer.String()})
		if err := dc.Send(pong); err != nil {
			s.log.WithError(err).Debug("Failed to answer ping")
		}
	case models.TypePong:
		s.hb.pong()
	case models.TypeQuit:
		s.log.Info("Peer quit")
		s.closeWith(ErrRemoteQuit)
	case models.TypeMode:
		s.bus.Publish(EventPeerMode, in)
	case models.TypeWebRTC:
		s.bus.Publish(EventSignal, in)
	case models.TypeStream:
		s.bus.Publish(EventStreamCommand, in)
	default:
		s.bus.Publish(EventMessage, in)
	}
}

func (s *Session) remoteStreamAdded(rs RemoteStream) {
	rs.Peer = s.peer.String()
	s.mu.Lock()
	s.remoteStreams[rs.TrackID] = rs
	s.mu.Unlock()
	s.bus.Publish(EventStreamAdded, rs)
}

// RemoteStreams lists the tracks received from the peer.
func (s *Session) RemoteStreams() []RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteStream, 0, len(s.remoteStreams))
	for _, rs := range s.remoteStreams {
		out = append(out, rs)
	}
	return out
}

// AttachStream adds stream to the media role and renegotiates it.
func (s *Session) AttachStream(ctx context.Context, stream Stream) error {
	return s.streamCall(ctx, func(result chan error) negotiatorEvent {
		return streamEvent{stream: stream, attach: true, result: result}
	})
}

// DetachStream removes stream from the media role and renegotiates it.
func (s *Session) DetachStream(ctx context.Context, stream Stream) error {
	return s.streamCall(ctx, func(result chan error) negotiatorEvent {
		return streamEvent{stream: stream, attach: false, result: result}
	})
}

// DetachAllStreams removes every local stream sent to the peer.
func (s *Session) DetachAllStreams(ctx context.Context) error {
	return s.streamCall(ctx, func(result chan error) negotiatorEvent {
		return detachAllEvent{result: result}
	})
}

func (s *Session) streamCall(ctx context.Context, build func(chan error) negotiatorEvent) error {
	n, err := s.negotiator(RoleMedia)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	if !n.mailbox.Put(build(result)) {
		return ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Quit tells the peer we are leaving and tears the session down.
func (s *Session) Quit() {
	if err := s.Send(models.Envelope{Type: models.TypeQuit}); err != nil {
		s.log.WithError(err).Debug("Quit not delivered")
	}
	s.closeWith(nil)
}

// closeWith starts teardown exactly once. It does not wait for the
// negotiators, so it is safe to call from one of them.
func (s *Session) closeWith(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.closeErr = reason
		negotiators := make([]*negotiator, 0, len(s.negotiators))
		for _, n := range s.negotiators {
			negotiators = append(negotiators, n)
		}
		s.mu.Unlock()

		s.hb.stop()
		close(s.closed)
		for _, n := range negotiators {
			n.mailbox.Close()
		}
		s.cancel()

		go func() {
			s.wg.Wait()
			for _, rs := range s.RemoteStreams() {
				s.bus.Publish(EventStreamRemoved, rs)
			}
			entry := s.log
			if reason != nil && !errors.Is(reason, ErrRemovedFromMesh) {
				entry = entry.WithError(reason)
			}
			entry.Info("Session closed")
			s.bus.Publish(EventConnectionClose, ConnectionClosed{Peer: s.peer.String(), Err: reason})
			close(s.finished)
		}()
	})
}

// Close tears the session down without notifying the peer.
func (s *Session) Close(reason error) {
	s.closeWith(reason)
}

func (s *Session) snapshot(role Role) (negotiatorSnapshot, bool) {
	s.mu.Lock()
	n, ok := s.negotiators[role]
	s.mu.Unlock()
	if !ok {
		return negotiatorSnapshot{}, false
	}
	reply := make(chan negotiatorSnapshot, 1)
	if !n.mailbox.Put(snapshotEvent{reply: reply}) {
		return negotiatorSnapshot{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-n.done:
		return negotiatorSnapshot{}, false
	}
}
