package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// fakeNet links fake peer connections through the ids embedded in their SDP.
// With autoConnect set, two linked connections that both hold local and
// remote descriptions connect and open their data channels.
type fakeNet struct {
	autoConnect bool

	mu     sync.Mutex
	nextID int
	pcs    map[string]*fakePC
}

func newFakeNet(autoConnect bool) *fakeNet {
	return &fakeNet{autoConnect: autoConnect, pcs: make(map[string]*fakePC)}
}

type fakeFactory struct {
	net *fakeNet
	err error

	mu      sync.Mutex
	created []*fakePC
}

func newFakeFactory(net *fakeNet) *fakeFactory {
	return &fakeFactory{net: net}
}

func (f *fakeFactory) NewPeerConnection(role Role) (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.net.mu.Lock()
	f.net.nextID++
	pc := &fakePC{id: fmt.Sprintf("pc%d", f.net.nextID), role: role, net: f.net}
	f.net.pcs[pc.id] = pc
	f.net.mu.Unlock()

	f.mu.Lock()
	f.created = append(f.created, pc)
	f.mu.Unlock()
	return pc, nil
}

// waitPC returns the first connection created for role.
func (f *fakeFactory) waitPC(t *testing.T, role Role) *fakePC {
	t.Helper()
	var found *fakePC
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, pc := range f.created {
			if pc.role == role {
				found = pc
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return found
}

type fakePC struct {
	id   string
	role Role
	net  *fakeNet

	mu             sync.Mutex
	offerErr       error
	offers         int
	answers        int
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	applied        []webrtc.ICECandidateInit
	earlyCandidate int
	channels       []*fakeChannel
	streams        []string
	closed         bool
	connected      bool
	peer           *fakePC

	onCandidate    func(*webrtc.ICECandidateInit)
	onICE          func(webrtc.ICEConnectionState)
	onDataChannel  func(DataChannel)
	onRemoteStream func(RemoteStream)
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("fake:%s:offer%d", p.id, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("fake:%s:answer%d", p.id, p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if d.Type == webrtc.SDPTypeRollback {
		p.local = nil
		p.mu.Unlock()
		return nil
	}
	p.local = &d
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if p.net.autoConnect && onCandidate != nil {
		onCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:" + p.id})
		onCandidate(nil)
	}
	p.maybeConnect()
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	parts := strings.Split(d.SDP, ":")
	if len(parts) != 3 || parts[0] != "fake" {
		return errors.New("unparseable description")
	}

	p.net.mu.Lock()
	remote := p.net.pcs[parts[1]]
	p.net.mu.Unlock()

	p.mu.Lock()
	p.remote = &d
	if remote != nil {
		p.peer = remote
	}
	p.mu.Unlock()
	if remote != nil {
		remote.mu.Lock()
		remote.peer = p
		remote.mu.Unlock()
	}
	p.maybeConnect()
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil || p.remote == nil {
		p.earlyCandidate++
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePC) CreateDataChannel(label string) (DataChannel, error) {
	ch := newFakeChannel(label)
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch, nil
}

func (p *fakePC) AddStream(s Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s.StreamID())
	return nil
}

func (p *fakePC) RemoveStream(s Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.streams {
		if id == s.StreamID() {
			p.streams = append(p.streams[:i], p.streams[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakePC) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePC) OnDataChannel(fn func(DataChannel)) {
	p.mu.Lock()
	p.onDataChannel = fn
	p.mu.Unlock()
}

func (p *fakePC) OnRemoteStream(fn func(RemoteStream)) {
	p.mu.Lock()
	p.onRemoteStream = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) setICE(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

func (p *fakePC) channel(t *testing.T) *fakeChannel {
	t.Helper()
	var ch *fakeChannel
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.channels) == 0 {
			return false
		}
		ch = p.channels[0]
		return true
	}, time.Second, time.Millisecond)
	return ch
}

func (p *fakePC) ready() bool {
	return p.local != nil && p.remote != nil
}

func (p *fakePC) maybeConnect() {
	if !p.net.autoConnect {
		return
	}
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return
	}

	first, second := p, peer
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	ok := first.ready() && second.ready() && !first.connected && !second.connected
	var offerer, answerer *fakePC
	if ok {
		first.connected, second.connected = true, true
		offerer, answerer = first, second
		if first.local.Type != webrtc.SDPTypeOffer {
			offerer, answerer = second, first
		}
	}
	second.mu.Unlock()
	first.mu.Unlock()
	if !ok {
		return
	}

	offerer.setICE(webrtc.ICEConnectionStateConnected)
	answerer.setICE(webrtc.ICEConnectionStateConnected)

	offerer.mu.Lock()
	channels := append([]*fakeChannel(nil), offerer.channels...)
	offerer.mu.Unlock()
	answerer.mu.Lock()
	onDataChannel := answerer.onDataChannel
	answerer.mu.Unlock()

	for _, local := range channels {
		remote := newFakeChannel(local.label)
		local.link(remote)
		if onDataChannel != nil {
			onDataChannel(remote)
		}
		local.open()
		remote.open()
	}
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	peer      *fakeChannel
	sent      [][]byte
	autoPong  bool

	inbox  *Mailbox[[]byte]
	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeChannel(label string) *fakeChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeChannel{
		label:  label,
		state:  webrtc.DataChannelStateConnecting,
		inbox:  NewMailbox[[]byte](),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *fakeChannel) link(peer *fakeChannel) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	peer.mu.Lock()
	peer.peer = c
	peer.mu.Unlock()
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		return errors.New("fake channel not open")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	peer, autoPong := c.peer, c.autoPong
	c.mu.Unlock()

	if peer != nil {
		peer.inbox.Put(append([]byte(nil), data...))
	}
	if autoPong && strings.Contains(string(data), `"type":"ping"`) {
		c.inbox.Put([]byte(`{"type":"pong"}`))
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.state == webrtc.DataChannelStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosed
	onClose := c.onClose
	c.mu.Unlock()

	c.cancel()
	if onClose != nil {
		onClose()
	}
	return nil
}

// open marks the channel open, starts delivery and fires OnOpen.
func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	onOpen := c.onOpen
	c.mu.Unlock()

	go func() {
		for {
			msg, ok := c.inbox.Receive(c.ctx)
			if !ok {
				return
			}
			c.mu.Lock()
			fn := c.onMessage
			c.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		}
	}()
	if onOpen != nil {
		onOpen()
	}
}

// receive injects a message as if the remote end had sent it.
func (c *fakeChannel) receive(raw string) {
	c.inbox.Put([]byte(raw))
}

func (c *fakeChannel) isClosed() bool {
	return c.ReadyState() == webrtc.DataChannelStateClosed
}

func (c *fakeChannel) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = string(m)
	}
	return out
}
