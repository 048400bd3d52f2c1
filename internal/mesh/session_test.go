package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-mesh/internal/events"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peerid"
)

type sessionHarness struct {
	t        *testing.T
	session  *Session
	factory  *fakeFactory
	bus      *events.Bus
	outbound chan Outbound

	mu     sync.Mutex
	closes []ConnectionClosed
	fwd    []Inbound
}

func newSessionHarness(t *testing.T, mutate func(*SessionConfig)) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		t:        t,
		factory:  newFakeFactory(newFakeNet(false)),
		bus:      events.NewBus(),
		outbound: make(chan Outbound, 64),
	}
	h.bus.Subscribe(EventSignalingMessage, func(p any) { h.outbound <- p.(Outbound) })
	h.bus.Subscribe(EventConnectionClose, func(p any) {
		h.mu.Lock()
		h.closes = append(h.closes, p.(ConnectionClosed))
		h.mu.Unlock()
	})
	h.bus.Subscribe(EventForwardMessage, func(p any) {
		h.mu.Lock()
		h.fwd = append(h.fwd, p.(Inbound))
		h.mu.Unlock()
	})

	cfg := SessionConfig{
		Self:              peerid.MustParse("selfP1"),
		Peer:              peerid.MustParse("remoteP1"),
		Room:              "room-1",
		Factory:           h.factory,
		Bus:               h.bus,
		Logger:            logging.Discard(),
		HeartbeatInterval: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.session = NewSession(cfg)
	t.Cleanup(func() { h.session.Close(nil) })
	return h
}

func (h *sessionHarness) next(cmd string) (Outbound, models.SignalData) {
	h.t.Helper()
	for {
		select {
		case out := <-h.outbound:
			if out.Envelope.Cmd != cmd {
				continue
			}
			var data models.SignalData
			require.NoError(h.t, out.Envelope.Decode(&data))
			return out, data
		case <-time.After(time.Second):
			h.t.Fatalf("no %s message sent", cmd)
		}
	}
}

func (h *sessionHarness) deliver(cmd string, data models.SignalData) {
	h.t.Helper()
	env, err := models.NewEnvelope(models.TypeWebRTC, cmd, data)
	require.NoError(h.t, err)
	env.Source = "remoteP1"
	env.Target = "selfP1"
	require.NoError(h.t, h.session.Deliver(env))
}

func (h *sessionHarness) snapshot(role Role) negotiatorSnapshot {
	h.t.Helper()
	snap, ok := h.session.snapshot(role)
	require.True(h.t, ok)
	return snap
}

func (h *sessionHarness) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closes)
}

// startOffer runs InitiateOffer in the background and returns its result channel
// together with the version carried by the offer.
func (h *sessionHarness) startOffer(role Role) (chan error, string) {
	h.t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.session.InitiateOffer(context.Background(), role) }()
	_, data := h.next(models.CmdOffer)
	return done, data.DescriptionVersion
}

func answer(version string) models.SignalData {
	return models.SignalData{
		Role:               string(RoleData),
		DescriptionVersion: version,
		Description:        &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake:remote:answer1"},
	}
}

func candidates(role Role, names ...string) models.SignalData {
	data := models.SignalData{Role: string(role)}
	for _, n := range names {
		data.Candidates = append(data.Candidates, webrtc.ICECandidateInit{Candidate: n})
	}
	return data
}

func candidateNames(list []webrtc.ICECandidateInit) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.Candidate
	}
	return out
}

func TestInitiateOfferSendsVersionedOffer(t *testing.T) {
	h := newSessionHarness(t, nil)

	done := make(chan error, 1)
	go func() { done <- h.session.InitiateOffer(context.Background(), RoleData) }()

	out, data := h.next(models.CmdOffer)
	assert.Equal(t, "remoteP1", out.Peer)
	assert.Equal(t, "selfP1", out.Envelope.Source)
	assert.Equal(t, "remoteP1", out.Envelope.Target)
	assert.Equal(t, "data", data.Role)
	assert.Equal(t, "room-1", data.TargetRoom)
	assert.NotEmpty(t, data.DescriptionVersion)
	require.NotNil(t, data.Description)
	assert.Equal(t, webrtc.SDPTypeOffer, data.Description.Type)
	assert.Equal(t, []string{"offerCreated", "localDescriptionSet"}, data.State)

	snap := h.snapshot(RoleData)
	assert.True(t, snap.state.Has(OfferCreated|LocalDescriptionSet|DescriptionSent))
	assert.Equal(t, data.DescriptionVersion, snap.version)

	select {
	case <-done:
		t.Fatal("InitiateOffer returned before the channel opened")
	case <-time.After(20 * time.Millisecond):
	}

	pc := h.factory.waitPC(t, RoleData)
	pc.channel(t).open()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("InitiateOffer did not return after the channel opened")
	}
	assert.True(t, h.session.IsReady())
}

func TestCandidatesWaitForBothDescriptions(t *testing.T) {
	h := newSessionHarness(t, nil)
	_, version := h.startOffer(RoleData)
	pc := h.factory.waitPC(t, RoleData)

	h.deliver(models.CmdCandidates, candidates(RoleData, "c1", "c2"))
	snap := h.snapshot(RoleData)
	assert.Equal(t, []string{"c1", "c2"}, candidateNames(snap.buffered))
	assert.True(t, snap.state.Has(CandidatesReceived))
	assert.Empty(t, pc.appliedCandidates())

	h.deliver(models.CmdAnswer, answer(version))
	h.deliver(models.CmdCandidates, candidates(RoleData, "c3"))

	snap = h.snapshot(RoleData)
	assert.Empty(t, snap.buffered)
	assert.True(t, snap.state.Has(RemoteDescriptionSet))
	assert.Equal(t, []string{"c1", "c2", "c3"}, candidateNames(pc.appliedCandidates()))
	assert.Zero(t, pc.earlyCandidate)
}

func TestAnswererAppliesCandidatesAfterOffer(t *testing.T) {
	h := newSessionHarness(t, nil)

	h.deliver(models.CmdOffer, models.SignalData{
		Role:               string(RoleData),
		DescriptionVersion: "v-remote",
		Description:        &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake:remote:offer1"},
	})
	_, data := h.next(models.CmdAnswer)
	assert.Equal(t, "v-remote", data.DescriptionVersion)
	assert.Equal(t, webrtc.SDPTypeAnswer, data.Description.Type)
	assert.Contains(t, data.State, "remoteDescriptionSet")
	assert.Contains(t, data.State, "localDescriptionSet")

	h.deliver(models.CmdCandidates, candidates(RoleData, "a", "b"))
	h.deliver(models.CmdCandidates, candidates(RoleData, "c"))

	pc := h.factory.waitPC(t, RoleData)
	snap := h.snapshot(RoleData)
	assert.Empty(t, snap.buffered)
	assert.Equal(t, []string{"a", "b", "c"}, candidateNames(pc.appliedCandidates()))
	assert.Zero(t, pc.earlyCandidate)
}

func TestStaleAnswerIsDiscarded(t *testing.T) {
	h := newSessionHarness(t, nil)
	_, first := h.startOffer(RoleData)

	// A second round supersedes the first before its answer arrives.
	go func() { _ = h.session.InitiateOffer(context.Background(), RoleData) }()
	_, data := h.next(models.CmdOffer)
	second := data.DescriptionVersion
	require.NotEqual(t, first, second)

	before := h.snapshot(RoleData)
	h.deliver(models.CmdAnswer, answer(first))
	after := h.snapshot(RoleData)
	assert.Equal(t, before, after)
	assert.False(t, after.state.Has(RemoteDescriptionSet))

	h.deliver(models.CmdAnswer, answer(second))
	assert.True(t, h.snapshot(RoleData).state.Has(RemoteDescriptionSet))
}

func TestDuplicateAnswerIsDiscarded(t *testing.T) {
	h := newSessionHarness(t, nil)
	_, version := h.startOffer(RoleData)

	h.deliver(models.CmdAnswer, answer(version))
	before := h.snapshot(RoleData)
	h.deliver(models.CmdAnswer, answer(version))
	assert.Equal(t, before, h.snapshot(RoleData))
}

func TestLocalCandidatesSentAsOneBatch(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.startOffer(RoleData)
	pc := h.factory.waitPC(t, RoleData)

	pc.mu.Lock()
	emit := pc.onCandidate
	pc.mu.Unlock()
	emit(&webrtc.ICECandidateInit{Candidate: "l1"})
	emit(&webrtc.ICECandidateInit{Candidate: "l2"})
	emit(nil)

	_, data := h.next(models.CmdCandidates)
	assert.Equal(t, []string{"l1", "l2"}, candidateNames(data.Candidates))
	assert.True(t, h.snapshot(RoleData).state.Has(CandidatesSent))
}

func TestTransportFailureRejectsRound(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.factory.err = errors.New("no ice agent")

	err := h.session.InitiateOffer(context.Background(), RoleData)
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.False(t, h.session.IsReady())
}

func TestMissedPongClosesSessionOnce(t *testing.T) {
	h := newSessionHarness(t, func(cfg *SessionConfig) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	done, _ := h.startOffer(RoleData)
	pc := h.factory.waitPC(t, RoleData)
	ch := pc.channel(t)
	ch.open()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return h.closeCount() == 1 }, time.Second, 5*time.Millisecond)
	<-h.session.Done()

	assert.ErrorIs(t, h.session.Err(), ErrLivenessTimeout)
	assert.True(t, ch.isClosed())
	assert.True(t, pc.isClosed())
	assert.Contains(t, ch.sentMessages()[0], `"type":"ping"`)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, h.closeCount())
}

func TestAnsweredPingsKeepSessionAlive(t *testing.T) {
	h := newSessionHarness(t, func(cfg *SessionConfig) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
	})
	done, _ := h.startOffer(RoleData)
	ch := h.factory.waitPC(t, RoleData).channel(t)
	ch.mu.Lock()
	ch.autoPong = true
	ch.mu.Unlock()
	ch.open()
	require.NoError(t, <-done)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, h.closeCount())
	assert.GreaterOrEqual(t, len(ch.sentMessages()), 3)
}

func TestInboundPingAnsweredWithPong(t *testing.T) {
	h := newSessionHarness(t, nil)
	done, _ := h.startOffer(RoleData)
	ch := h.factory.waitPC(t, RoleData).channel(t)
	ch.open()
	require.NoError(t, <-done)

	ch.receive(`{"type":"ping","source":"remoteP1"}`)

	require.Eventually(t, func() bool {
		for _, m := range ch.sentMessages() {
			var env models.Envelope
			if json.Unmarshal([]byte(m), &env) == nil && env.Type == models.TypePong {
				return env.Target == "remoteP1"
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestInboundQuitClosesSession(t *testing.T) {
	h := newSessionHarness(t, nil)
	done, _ := h.startOffer(RoleData)
	ch := h.factory.waitPC(t, RoleData).channel(t)
	ch.open()
	require.NoError(t, <-done)

	ch.receive(`{"type":"quit"}`)

	select {
	case <-h.session.Done():
	case <-time.After(time.Second):
		t.Fatal("session still open after quit")
	}
	assert.ErrorIs(t, h.session.Err(), ErrRemoteQuit)
	assert.Equal(t, 1, h.closeCount())
}

func TestMessageForOtherIdentityIsForwarded(t *testing.T) {
	h := newSessionHarness(t, nil)
	done, _ := h.startOffer(RoleData)
	ch := h.factory.waitPC(t, RoleData).channel(t)
	ch.open()
	require.NoError(t, <-done)

	ch.receive(`{"type":"message","target":"otherP3","data":{"n":1}}`)
	ch.receive(`not json`)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.fwd) == 1
	}, time.Second, time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, "otherP3", h.fwd[0].Envelope.Target)
	assert.Equal(t, "remoteP1", h.fwd[0].Envelope.Source)
	h.mu.Unlock()
}

func TestICEFailureClosesImmediately(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.startOffer(RoleData)
	pc := h.factory.waitPC(t, RoleData)

	pc.setICE(webrtc.ICEConnectionStateFailed)

	select {
	case <-h.session.Done():
	case <-time.After(time.Second):
		t.Fatal("session survived ICE failure")
	}
	assert.ErrorIs(t, h.session.Err(), ErrTerminalICE)
}

func TestICEDisconnectGracePeriod(t *testing.T) {
	h := newSessionHarness(t, func(cfg *SessionConfig) {
		cfg.DisconnectGrace = 30 * time.Millisecond
	})
	h.startOffer(RoleData)
	pc := h.factory.waitPC(t, RoleData)

	pc.setICE(webrtc.ICEConnectionStateDisconnected)
	pc.setICE(webrtc.ICEConnectionStateConnected)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, h.closeCount(), "recovered connection must survive")

	pc.setICE(webrtc.ICEConnectionStateDisconnected)
	require.Eventually(t, func() bool { return h.closeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.session.Err(), ErrTerminalICE)
}

func TestMediaRoleReadyOnICEAndRenegotiatesStreams(t *testing.T) {
	h := newSessionHarness(t, func(cfg *SessionConfig) {
		cfg.RequiredRoles = []Role{RoleMedia}
	})
	done, first := h.startOffer(RoleMedia)
	pc := h.factory.waitPC(t, RoleMedia)

	pc.mu.Lock()
	assert.Empty(t, pc.channels, "media role has no data channel")
	pc.mu.Unlock()

	pc.setICE(webrtc.ICEConnectionStateConnected)
	require.NoError(t, <-done)
	assert.True(t, h.session.IsReady())

	stream := &LocalStream{ID: "cam"}
	require.NoError(t, h.session.AttachStream(context.Background(), stream))
	_, data := h.next(models.CmdOffer)
	assert.NotEqual(t, first, data.DescriptionVersion)
	assert.Equal(t, 1, h.snapshot(RoleMedia).streams)

	require.NoError(t, h.session.DetachAllStreams(context.Background()))
	h.next(models.CmdOffer)
	assert.Zero(t, h.snapshot(RoleMedia).streams)
	pc.mu.Lock()
	assert.Empty(t, pc.streams)
	pc.mu.Unlock()
}

func TestDeliverRejectsMalformedSignals(t *testing.T) {
	h := newSessionHarness(t, nil)

	assert.Error(t, h.session.Deliver(models.Envelope{Type: models.TypeWebRTC, Cmd: models.CmdOffer}))

	env, err := models.NewEnvelope(models.TypeWebRTC, models.CmdOffer, models.SignalData{Role: "video"})
	require.NoError(t, err)
	assert.Error(t, h.session.Deliver(env))

	env, err = models.NewEnvelope(models.TypeWebRTC, "sendOffer", models.SignalData{Role: "data"})
	require.NoError(t, err)
	assert.Error(t, h.session.Deliver(env))
}

func TestClosedSessionRejectsWork(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.session.Close(nil)
	<-h.session.Done()

	assert.ErrorIs(t, h.session.InitiateOffer(context.Background(), RoleData), ErrSessionClosed)
	assert.Equal(t, 1, h.closeCount())
	assert.NoError(t, h.session.Err())
}
