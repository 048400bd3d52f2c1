package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/events"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peerid"
	"github.com/mossy-p/webrtc-mesh/internal/topology"
)

// Options configures a Coordinator.
type Options struct {
	Self    peerid.Identity
	Room    string
	Factory Factory
	Relay   Relay
	Bus     *events.Bus
	Logger  *logrus.Logger

	RequiredRoles     []Role
	HeartbeatInterval time.Duration
	DisconnectGrace   time.Duration
}

// Coordinator owns the sessions of one mesh participant. A single actor
// goroutine (Run) serializes topology updates and every change to the
// session map; reads go through a RWMutex.
type Coordinator struct {
	self   peerid.Identity
	opts   Options
	bus    *events.Bus
	log    *logrus.Entry
	router *Router
	inbox  *Mailbox[func()]
	subs   []func()

	mu       sync.RWMutex
	sessions map[string]*Session

	readyOnce sync.Once
	readyCh   chan struct{}
	stopped   chan struct{}
	runOnce   sync.Once

	// Owned by the actor goroutine.
	topology      topology.List
	readyPeers    map[string]bool
	complete      bool
	streamTargets []string
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if len(opts.RequiredRoles) == 0 {
		opts.RequiredRoles = []Role{RoleData}
	}

	c := &Coordinator{
		self:       opts.Self,
		opts:       opts,
		bus:        opts.Bus,
		log:        opts.Logger.WithField("self", opts.Self.String()),
		inbox:      NewMailbox[func()](),
		sessions:   make(map[string]*Session),
		readyCh:    make(chan struct{}),
		stopped:    make(chan struct{}),
		readyPeers: make(map[string]bool),
	}
	c.router = NewRouter(opts.Relay, c, opts.Bus, opts.Logger)

	c.subs = append(c.subs,
		c.router.Attach(),
		c.bus.Subscribe(EventSessionReady, func(p any) {
			peer, _ := p.(string)
			c.post(func() { c.peerReady(peer) })
		}),
		c.bus.Subscribe(EventConnectionClose, func(p any) {
			closed, _ := p.(ConnectionClosed)
			c.post(func() { c.sessionClosed(closed.Peer) })
		}),
		c.bus.Subscribe(EventForwardMessage, func(p any) {
			in, _ := p.(Inbound)
			c.post(func() { c.relay(in.Envelope) })
		}),
		c.bus.Subscribe(EventSignal, func(p any) {
			in, _ := p.(Inbound)
			c.HandleMessage(in.Envelope)
		}),
		c.bus.Subscribe(EventPeerMode, func(p any) {
			in, _ := p.(Inbound)
			if in.Envelope.Cmd == models.CmdP2P {
				c.router.MarkPeerMesh(in.Peer)
			}
		}),
		c.bus.Subscribe(EventStreamCommand, func(p any) {
			in, _ := p.(Inbound)
			c.post(func() { c.streamCommand(in) })
		}),
	)
	return c
}

func (c *Coordinator) Self() peerid.Identity { return c.self }
func (c *Coordinator) Bus() *events.Bus      { return c.bus }
func (c *Coordinator) Router() *Router       { return c.router }

// Run processes coordinator work until ctx ends, then quits every session.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.runOnce.Do(func() {
		c.inbox.Close()
		for _, cancel := range c.subs {
			cancel()
		}
		c.quitAll()
		close(c.stopped)
	})

	for {
		fn, ok := c.inbox.Receive(ctx)
		if !ok {
			return
		}
		fn()
	}
}

func (c *Coordinator) post(fn func()) bool {
	return c.inbox.Put(fn)
}

// call runs fn on the actor goroutine and waits for it.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.post(func() { result <- fn() }) {
		return ErrCoordinatorStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrCoordinatorStopped
	}
}

// Session implements SessionLookup.
func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions implements SessionLookup.
func (c *Coordinator) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Peers lists the identities with a live session, sorted.
func (c *Coordinator) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Ready is closed the first time the topology names at least one peer and
// every peer of it has been ready.
// It is never reopened.
func (c *Coordinator) Ready() <-chan struct{} { return c.readyCh }

// UpdateTopology replaces the topology and quits sessions it no longer names.
// It reports whether the identities ahead of self changed.
func (c *Coordinator) UpdateTopology(ctx context.Context, list topology.List) (bool, error) {
	var changesBefore bool
	err := c.call(ctx, func() error {
		self := c.self.String()
		changesBefore = topology.ChangedBefore(c.topology, list, self)
		c.topology = slices.Clone(list)
		c.cleanNodes()
		c.evaluateReadiness()
		c.bus.Publish(EventTopologyChanged, TopologyChange{Topology: slices.Clone(list), ChangesBefore: changesBefore})
		return nil
	})
	return changesBefore, err
}

// Topology returns the current topology.
func (c *Coordinator) Topology(ctx context.Context) (topology.List, error) {
	var out topology.List
	err := c.call(ctx, func() error {
		out = slices.Clone(c.topology)
		return nil
	})
	return out, err
}

func (c *Coordinator) cleanNodes() {
	for id, s := range c.sessions {
		if !c.topology.Contains(id) {
			c.log.WithField("peer", id).Info("Peer left topology")
			c.removeSession(id)
			s.Quit()
		}
	}
}

// AddPeer opens a session with id and negotiates its required roles. It is a
// no-op for self and for peers that are already connected.
func (c *Coordinator) AddPeer(ctx context.Context, id string) error {
	if id == c.self.String() {
		return nil
	}
	peer, err := peerid.Parse(id)
	if err != nil {
		return fmt.Errorf("add peer: %w", err)
	}

	var s *Session
	if err := c.call(ctx, func() error {
		s = c.ensureSession(peer)
		return nil
	}); err != nil {
		return err
	}
	if s.IsReady() {
		return nil
	}
	return s.Connect(ctx)
}

// liveSession returns the session held with id unless it has already
// closed. A closed session is dropped so the caller can open a fresh one
// before its connectionClose is processed. Actor only.
func (c *Coordinator) liveSession(id string) (*Session, bool) {
	s, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	select {
	case <-s.Closed():
		c.removeSession(id)
		return nil, false
	default:
		return s, true
	}
}

// ensureSession must run on the actor goroutine.
func (c *Coordinator) ensureSession(peer peerid.Identity) *Session {
	id := peer.String()
	if s, ok := c.liveSession(id); ok {
		return s
	}
	s := NewSession(SessionConfig{
		Self:              c.self,
		Peer:              peer,
		Room:              c.opts.Room,
		Factory:           c.opts.Factory,
		Bus:               c.bus,
		Logger:            c.opts.Logger,
		RequiredRoles:     c.opts.RequiredRoles,
		HeartbeatInterval: c.opts.HeartbeatInterval,
		DisconnectGrace:   c.opts.DisconnectGrace,
	})
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	c.log.WithField("peer", id).Debug("Session created")
	return s
}

func (c *Coordinator) removeSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	c.router.ForgetPeer(id)
}

// HandleMessage accepts an envelope from the relay or a direct channel. It
// never blocks.
func (c *Coordinator) HandleMessage(env models.Envelope) {
	if !c.post(func() { c.handleMessage(env) }) {
		c.log.WithField("type", env.Type).Debug("Coordinator stopped, message dropped")
	}
}

func (c *Coordinator) handleMessage(env models.Envelope) {
	if env.Target != "" && env.Target != c.self.String() {
		c.relay(env)
		return
	}

	switch env.Type {
	case models.TypeWebRTC:
		c.handleSignal(env)
	default:
		c.bus.Publish(EventMessage, Inbound{Peer: env.Source, Envelope: env})
	}
}

func (c *Coordinator) handleSignal(env models.Envelope) {
	log := c.log.WithFields(logrus.Fields{"peer": env.Source, "cmd": env.Cmd})
	peer, err := peerid.Parse(env.Source)
	if err != nil {
		log.WithError(err).Warn("Dropping signaling message with bad source")
		return
	}

	s, ok := c.liveSession(peer.String())
	if !ok {
		if env.Cmd != models.CmdOffer {
			log.WithError(ErrUnknownPeer).Warn("Dropping signaling message")
			return
		}
		s = c.ensureSession(peer)
	}
	if err := s.Deliver(env); err != nil {
		log.WithError(err).Warn("Signaling message rejected")
	}
}

// relay forwards env toward its target: directly when we hold a session with
// it, otherwise through the session of the target's owner.
func (c *Coordinator) relay(env models.Envelope) {
	log := c.log.WithFields(logrus.Fields{"target": env.Target, "type": env.Type})

	s, ok := c.sessions[env.Target]
	if !ok {
		owner := peerid.OwnerOf(env.Target)
		for id, candidate := range c.sessions {
			if peerid.OwnerOf(id) == owner {
				s, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		log.WithError(ErrUnroutable).Warn("Dropping message")
		return
	}
	if err := s.Send(env); err != nil {
		log.WithError(err).Warn("Relay failed")
	}
}

func (c *Coordinator) peerReady(peer string) {
	if _, ok := c.sessions[peer]; !ok {
		return
	}
	c.readyPeers[peer] = true
	c.evaluateReadiness()
}

func (c *Coordinator) sessionClosed(peer string) {
	if s, ok := c.sessions[peer]; ok {
		select {
		case <-s.Closed():
			c.removeSession(peer)
		default:
			// A newer session already replaced the closed one.
		}
	}
	c.evaluateReadiness()
}

func (c *Coordinator) evaluateReadiness() {
	if len(c.topology) == 0 {
		return
	}
	self := c.self.String()
	peers := c.topology.Peers(self)

	// A topology holding only self is not a mesh yet.
	initially, complete := len(peers) > 0, len(peers) > 0
	for _, id := range peers {
		if !c.readyPeers[id] {
			initially = false
		}
		if s, ok := c.sessions[id]; !ok || !s.IsReady() {
			complete = false
		}
	}

	if initially {
		c.readyOnce.Do(func() {
			close(c.readyCh)
			c.log.Info("Mesh ready")
			c.bus.Publish(EventMeshReady, slices.Clone(c.topology))
		})
	}
	if complete && !c.complete {
		c.bus.Publish(EventMeshComplete, slices.Clone(c.topology))
	}
	c.complete = complete
}

// FullyMeshed reports whether every peer of the current topology has a ready session.
func (c *Coordinator) FullyMeshed(ctx context.Context) (bool, error) {
	var complete bool
	err := c.call(ctx, func() error {
		complete = c.complete
		return nil
	})
	return complete, err
}

// GetPeerAtDistance resolves a position relative to self in the topology.
func (c *Coordinator) GetPeerAtDistance(ctx context.Context, distance int) (string, error) {
	var peer string
	err := c.call(ctx, func() error {
		var err error
		peer, err = c.topology.PeerAt(c.self.String(), distance)
		return err
	})
	return peer, err
}

func (c *Coordinator) lookup(ctx context.Context, id string) (*Session, error) {
	var s *Session
	err := c.call(ctx, func() error {
		var ok bool
		if s, ok = c.sessions[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
		}
		return nil
	})
	return s, err
}

// SendToPeer sends an application message to a connected peer.
func (c *Coordinator) SendToPeer(ctx context.Context, target string, env models.Envelope) error {
	s, err := c.lookup(ctx, target)
	if err != nil {
		return err
	}
	if env.Type == "" {
		env.Type = models.TypeMessage
	}
	return s.Send(env)
}

// Broadcast sends env to every connected peer.
func (c *Coordinator) Broadcast(env models.Envelope) error {
	if env.Type == "" {
		env.Type = models.TypeMessage
	}
	var errs []error
	for _, s := range c.Sessions() {
		env.Target = ""
		if err := s.Send(env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Peer(), err))
		}
	}
	return errors.Join(errs...)
}

// AttachStream sends stream to target and remembers the target for RefreshStream.
func (c *Coordinator) AttachStream(ctx context.Context, stream Stream, target string) error {
	s, err := c.lookup(ctx, target)
	if err != nil {
		return err
	}
	if err := s.AttachStream(ctx, stream); err != nil {
		return err
	}
	return c.call(ctx, func() error {
		if !slices.Contains(c.streamTargets, target) {
			c.streamTargets = append(c.streamTargets, target)
		}
		return nil
	})
}

// DetachStream stops sending stream to target, or to every peer when target is empty.
func (c *Coordinator) DetachStream(ctx context.Context, stream Stream, target string) error {
	var sessions []*Session
	if target != "" {
		s, err := c.lookup(ctx, target)
		if err != nil {
			return err
		}
		sessions = []*Session{s}
	} else {
		sessions = c.Sessions()
	}

	var errs []error
	for _, s := range sessions {
		if err := s.DetachStream(ctx, stream); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.call(ctx, func() error {
		c.streamTargets = slices.DeleteFunc(c.streamTargets, func(id string) bool {
			return target == "" || id == target
		})
		return nil
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RefreshStream replaces whatever was attached to the remembered targets with stream.
func (c *Coordinator) RefreshStream(ctx context.Context, stream Stream) error {
	var targets []string
	if err := c.call(ctx, func() error {
		targets = slices.Clone(c.streamTargets)
		return nil
	}); err != nil {
		return err
	}

	var errs []error
	for _, id := range targets {
		s, ok := c.Session(id)
		if !ok {
			continue
		}
		if err := s.DetachAllStreams(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.AttachStream(ctx, stream); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StreamTargets lists the peers the local stream is attached to.
func (c *Coordinator) StreamTargets(ctx context.Context) ([]string, error) {
	var out []string
	err := c.call(ctx, func() error {
		out = slices.Clone(c.streamTargets)
		return nil
	})
	return out, err
}

// DetachRemoteStreams asks every peer to stop sending us streams.
func (c *Coordinator) DetachRemoteStreams() error {
	return c.Broadcast(models.Envelope{Type: models.TypeStream, Cmd: models.CmdDetachAll})
}

func (c *Coordinator) streamCommand(in Inbound) {
	if in.Envelope.Cmd != models.CmdDetachAll {
		c.log.WithField("cmd", in.Envelope.Cmd).Warn("Unknown stream command")
		return
	}
	s, ok := c.sessions[in.Peer]
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.DetachAllStreams(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			c.log.WithError(err).WithField("peer", in.Peer).Warn("Failed to detach streams")
		}
	}()
}

// EnterMeshMode switches signaling to direct channels.
func (c *Coordinator) EnterMeshMode() {
	c.router.SwitchToMesh()
}

// Quit leaves every peer.
func (c *Coordinator) Quit(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.quitAll()
		return nil
	})
}

func (c *Coordinator) quitAll() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Quit()
	}
}
