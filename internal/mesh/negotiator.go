package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// DefaultDisconnectGrace is how long an ICE "disconnected" state may last
// before the session is torn down.
const DefaultDisconnectGrace = 2 * time.Second

type negotiatorEvent interface{}

type (
	initiateEvent struct {
		result chan error
	}
	offerEvent struct {
		version string
		desc    webrtc.SessionDescription
	}
	answerEvent struct {
		version string
		desc    webrtc.SessionDescription
	}
	candidatesEvent struct {
		candidates []webrtc.ICECandidateInit
	}
	localCandidateEvent struct {
		candidate *webrtc.ICECandidateInit
	}
	iceStateEvent struct {
		state webrtc.ICEConnectionState
	}
	graceExpiredEvent struct {
		seq int
	}
	channelOpenEvent struct {
		channel DataChannel
	}
	channelCloseEvent struct {
		channel DataChannel
	}
	streamEvent struct {
		stream Stream
		attach bool
		result chan error
	}
	detachAllEvent struct {
		result chan error
	}
	snapshotEvent struct {
		reply chan negotiatorSnapshot
	}
)

type negotiatorSnapshot struct {
	state    ConnectionState
	version  string
	buffered []webrtc.ICECandidateInit
	ice      webrtc.ICEConnectionState
	ready    bool
	streams  int
}

// negotiator runs the offer/answer state machine for one (peer, role) pair.
// Everything below mailbox is owned by the run goroutine.
type negotiator struct {
	s       *Session
	role    Role
	log     *logrus.Entry
	mailbox *Mailbox[negotiatorEvent]
	done    chan struct{}

	readyOnce sync.Once
	readyCh   chan struct{}

	pc       PeerConnection
	channel  DataChannel
	state    ConnectionState
	version  string
	pending  []webrtc.ICECandidateInit
	outbox   []webrtc.ICECandidateInit
	ice      webrtc.ICEConnectionState
	graceSeq int
	grace    *time.Timer
	waiters  []chan error
	streams  map[string]Stream
}

func newNegotiator(s *Session, role Role) *negotiator {
	return &negotiator{
		s:       s,
		role:    role,
		log:     s.log.WithField("role", role),
		mailbox: NewMailbox[negotiatorEvent](),
		done:    make(chan struct{}),
		readyCh: make(chan struct{}),
		streams: make(map[string]Stream),
	}
}

func (n *negotiator) run() {
	defer n.shutdown()
	for {
		ev, ok := n.mailbox.Receive(n.s.ctx)
		if !ok {
			return
		}
		n.handle(ev)
	}
}

func (n *negotiator) handle(ev negotiatorEvent) {
	switch e := ev.(type) {
	case initiateEvent:
		n.initiate(e.result)
	case offerEvent:
		n.receiveOffer(e.version, e.desc)
	case answerEvent:
		n.receiveAnswer(e.version, e.desc)
	case candidatesEvent:
		n.receiveCandidates(e.candidates)
	case localCandidateEvent:
		n.localCandidate(e.candidate)
	case iceStateEvent:
		n.iceStateChanged(e.state)
	case graceExpiredEvent:
		if e.seq == n.graceSeq && n.ice == webrtc.ICEConnectionStateDisconnected {
			n.log.Warn("ICE stayed disconnected past grace period")
			n.s.closeWith(fmt.Errorf("%w: disconnected", ErrTerminalICE))
		}
	case channelOpenEvent:
		n.channelOpened(e.channel)
	case channelCloseEvent:
		if n.channel == e.channel {
			n.s.clearChannel(n.role, e.channel)
			n.log.Debug("Data channel closed")
		}
	case streamEvent:
		e.result <- n.changeStream(e.stream, e.attach)
	case detachAllEvent:
		e.result <- n.detachAll()
	case snapshotEvent:
		e.reply <- negotiatorSnapshot{
			state:    n.state,
			version:  n.version,
			buffered: append([]webrtc.ICECandidateInit(nil), n.pending...),
			ice:      n.ice,
			ready:    n.isReady(),
			streams:  len(n.streams),
		}
	default:
		n.log.Warnf("Unhandled negotiator event %T", ev)
	}
}

func (n *negotiator) ensurePeerConnection() error {
	if n.pc != nil {
		return nil
	}
	pc, err := n.s.factory.NewPeerConnection(n.role)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		n.mailbox.Put(localCandidateEvent{candidate: c})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.mailbox.Put(iceStateEvent{state: state})
	})
	pc.OnDataChannel(func(dc DataChannel) {
		if n.role.HasChannel() {
			n.wireChannel(dc)
		}
	})
	pc.OnRemoteStream(n.s.remoteStreamAdded)
	n.pc = pc
	return nil
}

func (n *negotiator) wireChannel(dc DataChannel) {
	dc.OnOpen(func() { n.mailbox.Put(channelOpenEvent{channel: dc}) })
	dc.OnClose(func() { n.mailbox.Put(channelCloseEvent{channel: dc}) })
	dc.OnMessage(func(data []byte) { n.s.handleChannelMessage(n.role, dc, data) })
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		n.mailbox.Put(channelOpenEvent{channel: dc})
	}
}

// initiate starts a fresh round. Any round already in flight is abandoned.
func (n *negotiator) initiate(result chan error) {
	n.state.Reset()
	n.pending = nil
	n.outbox = nil

	if err := n.offer(); err != nil {
		n.log.WithError(err).Error("Failed to send offer")
		result <- err
		return
	}
	if n.isReady() {
		result <- nil
		return
	}
	n.waiters = append(n.waiters, result)
}

func (n *negotiator) offer() error {
	if err := n.ensurePeerConnection(); err != nil {
		return err
	}
	if n.role.HasChannel() && n.channel == nil {
		dc, err := n.pc.CreateDataChannel(n.role.ChannelLabel())
		if err != nil {
			return fmt.Errorf("%w: create data channel: %v", ErrNegotiation, err)
		}
		n.channel = dc
		n.wireChannel(dc)
	}

	desc, err := n.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	n.state.Set(OfferCreated)

	version, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("%w: mint description version: %v", ErrNegotiation, err)
	}
	n.version = version.String()

	if err := n.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	n.state.Set(LocalDescriptionSet)

	n.send(models.CmdOffer, models.SignalData{
		DescriptionVersion: n.version,
		Description:        &desc,
	})
	n.state.Set(DescriptionSent)
	n.log.WithField("version", n.version).Debug("Offer sent")
	return nil
}

func (n *negotiator) receiveOffer(version string, desc webrtc.SessionDescription) {
	log := n.log.WithField("version", version)
	if err := n.ensurePeerConnection(); err != nil {
		log.WithError(err).Error("Cannot answer offer")
		return
	}

	if n.state.Has(DescriptionSent) && !n.state.Has(RemoteDescriptionSet) {
		// Both sides offered. The side with the larger identity yields.
		if n.s.self.String() < n.s.peer.String() {
			log.Debug("Ignoring colliding offer")
			return
		}
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.WithError(err).Warn("Rollback of local offer failed")
		}
	}

	n.state.Reset()
	n.pending = nil
	n.version = version

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.fail(fmt.Errorf("%w: set remote offer: %v", ErrNegotiation, err))
		return
	}
	n.state.Set(RemoteDescriptionSet)

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		n.fail(fmt.Errorf("%w: create answer: %v", ErrNegotiation, err))
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.fail(fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err))
		return
	}
	n.state.Set(LocalDescriptionSet)
	n.drain()

	n.send(models.CmdAnswer, models.SignalData{
		DescriptionVersion: version,
		Description:        &answer,
	})
	n.state.Set(DescriptionSent)
	log.Debug("Answer sent")
}

func (n *negotiator) receiveAnswer(version string, desc webrtc.SessionDescription) {
	if version != n.version || !n.state.Has(OfferCreated) || n.state.Has(RemoteDescriptionSet) {
		n.log.WithFields(logrus.Fields{
			"version":  version,
			"expected": n.version,
			"state":    n.state,
		}).Debug("Discarding stale answer")
		return
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.fail(fmt.Errorf("%w: set remote answer: %v", ErrNegotiation, err))
		return
	}
	n.state.Set(RemoteDescriptionSet)
	n.drain()
}

func (n *negotiator) receiveCandidates(candidates []webrtc.ICECandidateInit) {
	n.state.Set(CandidatesReceived)
	n.pending = append(n.pending, candidates...)
	n.drain()
}

// drain applies buffered remote candidates in arrival order once both
// descriptions are in place.
func (n *negotiator) drain() {
	if !n.state.CanApplyCandidates() || len(n.pending) == 0 {
		return
	}
	batch := n.pending
	n.pending = nil
	for _, c := range batch {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.WithError(err).Warn("Failed to add ICE candidate")
		}
	}
}

func (n *negotiator) localCandidate(c *webrtc.ICECandidateInit) {
	if c != nil {
		n.outbox = append(n.outbox, *c)
		return
	}
	if len(n.outbox) == 0 {
		return
	}
	batch := n.outbox
	n.outbox = nil
	n.send(models.CmdCandidates, models.SignalData{Candidates: batch})
	n.state.Set(CandidatesSent)
}

func (n *negotiator) iceStateChanged(state webrtc.ICEConnectionState) {
	n.ice = state
	n.log.WithField("ice", state.String()).Debug("ICE state changed")

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.stopGrace()
		if !n.role.HasChannel() {
			n.markReady()
		}
	case webrtc.ICEConnectionStateDisconnected:
		n.stopGrace()
		n.graceSeq++
		seq := n.graceSeq
		n.grace = time.AfterFunc(n.s.grace, func() {
			n.mailbox.Put(graceExpiredEvent{seq: seq})
		})
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		n.s.closeWith(fmt.Errorf("%w: %s", ErrTerminalICE, state))
	}
}

func (n *negotiator) channelOpened(dc DataChannel) {
	if n.channel != nil && n.channel != dc && n.channel.ReadyState() == webrtc.DataChannelStateOpen {
		return
	}
	n.channel = dc
	n.s.setChannel(n.role, dc)
	n.markReady()
}

func (n *negotiator) changeStream(stream Stream, attach bool) error {
	if n.role != RoleMedia {
		return fmt.Errorf("streams belong to the %s role", RoleMedia)
	}
	if err := n.ensurePeerConnection(); err != nil {
		return err
	}
	if attach {
		if err := n.pc.AddStream(stream); err != nil {
			return fmt.Errorf("%w: attach stream: %v", ErrNegotiation, err)
		}
		n.streams[stream.StreamID()] = stream
	} else {
		if _, ok := n.streams[stream.StreamID()]; !ok {
			return nil
		}
		if err := n.pc.RemoveStream(stream); err != nil {
			return fmt.Errorf("%w: detach stream: %v", ErrNegotiation, err)
		}
		delete(n.streams, stream.StreamID())
	}

	n.state.Reset()
	n.pending = nil
	return n.offer()
}

func (n *negotiator) detachAll() error {
	if len(n.streams) == 0 {
		return nil
	}
	for id, stream := range n.streams {
		if err := n.pc.RemoveStream(stream); err != nil {
			n.log.WithError(err).Warnf("Failed to detach stream %s", id)
		}
		delete(n.streams, id)
	}
	n.state.Reset()
	n.pending = nil
	return n.offer()
}

func (n *negotiator) send(cmd string, data models.SignalData) {
	data.Role = string(n.role)
	data.State = n.state.Names()
	n.s.emitSignal(n.role, cmd, data)
}

func (n *negotiator) isReady() bool {
	select {
	case <-n.readyCh:
		return true
	default:
		return false
	}
}

func (n *negotiator) markReady() {
	first := false
	n.readyOnce.Do(func() {
		close(n.readyCh)
		first = true
	})
	if first {
		n.s.roleReady(n.role)
	}

	for _, w := range n.waiters {
		w <- nil
	}
	n.waiters = nil
}

// fail rejects every caller waiting on this round.
func (n *negotiator) fail(err error) {
	n.log.WithError(err).Error("Negotiation round failed")
	for _, w := range n.waiters {
		w <- err
	}
	n.waiters = nil
}

func (n *negotiator) stopGrace() {
	if n.grace != nil {
		n.grace.Stop()
		n.grace = nil
	}
}

func (n *negotiator) shutdown() {
	n.stopGrace()
	for _, w := range n.waiters {
		w <- ErrSessionClosed
	}
	n.waiters = nil

	if n.channel != nil {
		if err := n.channel.Close(); err != nil {
			n.log.WithError(err).Debug("Closing data channel")
		}
	}
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.log.WithError(err).Debug("Closing peer connection")
		}
	}
	close(n.done)
}
