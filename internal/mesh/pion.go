package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// PionConfig configures the pion-backed transport.
type PionConfig struct {
	ICEServers []webrtc.ICEServer

	// ICE timeouts handed to the setting engine. Zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// PionFactory creates peer connections from a shared webrtc.API so every
// connection in the process uses the same setting engine.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPionFactory(cfg PionConfig) *PionFactory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 {
		failed := cfg.FailedTimeout
		if failed == 0 {
			failed = 25 * time.Second
		}
		keepAlive := cfg.KeepAliveInterval
		if keepAlive == 0 {
			keepAlive = 2 * time.Second
		}
		se.SetICETimeouts(cfg.DisconnectedTimeout, failed, keepAlive)
	}

	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
	}
}

func (f *PionFactory) NewPeerConnection(role Role) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create %s peer connection: %w", role, err)
	}

	if role == RoleMedia {
		// Receive slots let the media role negotiate before any local stream exists.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	return &pionPeer{pc: pc, senders: make(map[string][]*webrtc.RTPSender)}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[string][]*webrtc.RTPSender
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionPeer) AddStream(s Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.senders[s.StreamID()]; ok {
		return nil
	}
	var senders []*webrtc.RTPSender
	for _, track := range s.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			for _, added := range senders {
				_ = p.pc.RemoveTrack(added)
			}
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		senders = append(senders, sender)
	}
	p.senders[s.StreamID()] = senders
	return nil
}

func (p *pionPeer) RemoveStream(s Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	senders, ok := p.senders[s.StreamID()]
	if !ok {
		return nil
	}
	delete(p.senders, s.StreamID())
	for _, sender := range senders {
		if err := p.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove track: %w", err)
		}
	}
	return nil
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeer) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (p *pionPeer) OnRemoteStream(fn func(RemoteStream)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteStream{
			StreamID: track.StreamID(),
			TrackID:  track.ID(),
			Kind:     track.Kind().String(),
		})
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string                       { return c.dc.Label() }
func (c *pionChannel) ReadyState() webrtc.DataChannelState { return c.dc.ReadyState() }
func (c *pionChannel) OnOpen(fn func())                    { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func())                   { c.dc.OnClose(fn) }
func (c *pionChannel) Close() error                        { return c.dc.Close() }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) Send(data []byte) error {
	return c.dc.SendText(string(data))
}
