package rtc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

var errRemoteNotSet = errors.New("mock: remote description is not set")

// eventLoop runs queued callbacks one at a time in submission order, the way
// pion delivers data channel events from a single read loop.
type eventLoop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	stopped bool
}

func newEventLoop() *eventLoop {
	l := &eventLoop{}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *eventLoop) post(fn func()) {
	l.mu.Lock()
	if !l.stopped {
		l.items = append(l.items, fn)
	}
	l.mu.Unlock()
	l.cond.Signal()
}

func (l *eventLoop) stopAfterPending() {
	l.post(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
	})
}

func (l *eventLoop) run() {
	for {
		l.mu.Lock()
		for len(l.items) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.items) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.items[0]
		l.items = l.items[1:]
		l.mu.Unlock()
		fn()
	}
}

// MockDataChannel is one side of an in-memory ordered data channel.
type MockDataChannel struct {
	label string
	loop  *eventLoop
	other *MockDataChannel

	mu        sync.Mutex
	state     webrtc.DataChannelState
	buffered  uint64
	threshold uint64
	held      bool
	heldMsgs  []webrtc.DataChannelMessage
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()
	sent      int
}

var _ DataChannel = (*MockDataChannel)(nil)

// NewMockChannelPair returns two connected, not yet open channel ends.
func NewMockChannelPair(label string) (*MockDataChannel, *MockDataChannel) {
	a := &MockDataChannel{label: label, loop: newEventLoop(), state: webrtc.DataChannelStateConnecting}
	b := &MockDataChannel{label: label, loop: newEventLoop(), state: webrtc.DataChannelStateConnecting}
	a.other = b
	b.other = a
	return a, b
}

// NewOpenMockChannelPair returns a pair that is already open.
func NewOpenMockChannelPair(label string) (*MockDataChannel, *MockDataChannel) {
	a, b := NewMockChannelPair(label)
	a.state = webrtc.DataChannelStateOpen
	b.state = webrtc.DataChannelStateOpen
	return a, b
}

// Open moves both ends to open and fires their OnOpen handlers.
func (c *MockDataChannel) Open() {
	for _, side := range []*MockDataChannel{c, c.other} {
		side := side
		side.mu.Lock()
		if side.state != webrtc.DataChannelStateConnecting {
			side.mu.Unlock()
			continue
		}
		side.state = webrtc.DataChannelStateOpen
		side.mu.Unlock()
		side.loop.post(func() {
			side.mu.Lock()
			fn := side.onOpen
			side.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	}
}

func (c *MockDataChannel) Label() string { return c.label }

func (c *MockDataChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MockDataChannel) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.send(webrtc.DataChannelMessage{Data: buf})
}

func (c *MockDataChannel) SendText(s string) error {
	return c.send(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (c *MockDataChannel) send(msg webrtc.DataChannelMessage) error {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		return io.ErrClosedPipe
	}
	c.buffered += uint64(len(msg.Data))
	c.sent++
	c.mu.Unlock()
	c.other.deliver(msg)
	return nil
}

func (c *MockDataChannel) deliver(msg webrtc.DataChannelMessage) {
	c.mu.Lock()
	if c.held {
		c.heldMsgs = append(c.heldMsgs, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.loop.post(func() { c.dispatch(msg) })
}

func (c *MockDataChannel) dispatch(msg webrtc.DataChannelMessage) {
	c.other.drained(uint64(len(msg.Data)))
	c.mu.Lock()
	fn := c.onMessage
	closed := c.state == webrtc.DataChannelStateClosed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(msg)
	}
}

func (c *MockDataChannel) drained(n uint64) {
	c.mu.Lock()
	before := c.buffered
	if n > c.buffered {
		c.buffered = 0
	} else {
		c.buffered -= n
	}
	crossed := before > c.threshold && c.buffered <= c.threshold
	fn := c.onLow
	c.mu.Unlock()
	if crossed && fn != nil {
		fn()
	}
}

// Hold queues inbound messages on this end without delivering them.
func (c *MockDataChannel) Hold() {
	c.mu.Lock()
	c.held = true
	c.mu.Unlock()
}

// Release delivers everything queued by Hold, in order.
func (c *MockDataChannel) Release() {
	c.mu.Lock()
	c.held = false
	msgs := c.heldMsgs
	c.heldMsgs = nil
	c.mu.Unlock()
	for _, msg := range msgs {
		msg := msg
		c.loop.post(func() { c.dispatch(msg) })
	}
}

// SentCount returns the number of frames sent from this end.
func (c *MockDataChannel) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *MockDataChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *MockDataChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	c.threshold = th
	c.mu.Unlock()
}

func (c *MockDataChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *MockDataChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	c.mu.Unlock()
}

func (c *MockDataChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *MockDataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

// Close closes both ends. Messages already in flight are delivered before the
// close callbacks run.
func (c *MockDataChannel) Close() error {
	c.closeSide()
	c.other.closeSide()
	return nil
}

func (c *MockDataChannel) closeSide() {
	c.mu.Lock()
	if c.state == webrtc.DataChannelStateClosing || c.state == webrtc.DataChannelStateClosed {
		c.mu.Unlock()
		return
	}
	c.state = webrtc.DataChannelStateClosing
	held := c.heldMsgs
	c.heldMsgs = nil
	c.held = false
	c.mu.Unlock()
	for _, msg := range held {
		msg := msg
		c.loop.post(func() { c.dispatch(msg) })
	}
	c.loop.post(func() {
		c.mu.Lock()
		c.state = webrtc.DataChannelStateClosed
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	c.loop.stopAfterPending()
}

// MockPeerConnection is a scripted PeerConnection. Linked pairs (see
// MockNetwork) connect once the initiator applies the remote answer.
type MockPeerConnection struct {
	mu              sync.Mutex
	local           *webrtc.SessionDescription
	remote          *webrtc.SessionDescription
	added           []webrtc.ICECandidateInit
	localCandidates []string
	onCandidate     func(*webrtc.ICECandidateInit)
	onState         func(webrtc.ICEConnectionState)
	onDataChannel   func(DataChannel)
	state           webrtc.ICEConnectionState
	channels        []*MockDataChannel
	pendingRemote   []*MockDataChannel
	peer            *MockPeerConnection
	closed          bool
	loop            *eventLoop
}

var _ PeerConnection = (*MockPeerConnection)(nil)

// NewMockPeerConnection returns an unlinked mock. localCandidates are emitted
// after SetLocalDescription, followed by the end-of-gathering nil.
func NewMockPeerConnection(localCandidates ...string) *MockPeerConnection {
	return &MockPeerConnection{
		localCandidates: localCandidates,
		state:           webrtc.ICEConnectionStateNew,
		loop:            newEventLoop(),
	}
}

func (p *MockPeerConnection) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, io.ErrClosedPipe
	}
	local, remote := NewMockChannelPair(label)
	p.channels = append(p.channels, local)
	p.pendingRemote = append(p.pendingRemote, remote)
	return local, nil
}

func (p *MockPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, io.ErrClosedPipe
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "mock-offer"}, nil
}

func (p *MockPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, io.ErrClosedPipe
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("mock: no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "mock-answer"}, nil
}

func (p *MockPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	p.local = &desc
	cands := append([]string(nil), p.localCandidates...)
	p.mu.Unlock()
	for _, c := range cands {
		init := webrtc.ICECandidateInit{Candidate: c}
		p.loop.post(func() { p.emitCandidate(&init) })
	}
	p.loop.post(func() { p.emitCandidate(nil) })
	return nil
}

func (p *MockPeerConnection) emitCandidate(c *webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	closed := p.closed
	p.mu.Unlock()
	if fn != nil && !closed {
		fn(c)
	}
}

func (p *MockPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	p.remote = &desc
	peer := p.peer
	p.mu.Unlock()
	if desc.Type == webrtc.SDPTypeAnswer && peer != nil {
		connectMockPeers(p, peer)
	}
	return nil
}

func (p *MockPeerConnection) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *MockPeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	if p.remote == nil {
		return errRemoteNotSet
	}
	p.added = append(p.added, c)
	return nil
}

// AddedCandidates returns the candidates applied so far, in order.
func (p *MockPeerConnection) AddedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.added))
	for _, c := range p.added {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *MockPeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *MockPeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *MockPeerConnection) OnDataChannel(f func(DataChannel)) {
	p.mu.Lock()
	p.onDataChannel = f
	p.mu.Unlock()
}

// SetICEState drives the ICE state machine from a test.
func (p *MockPeerConnection) SetICEState(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	if p.closed && s != webrtc.ICEConnectionStateClosed {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	p.loop.post(func() {
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
}

// ICEState returns the last state set on the mock.
func (p *MockPeerConnection) ICEState() webrtc.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Channels returns the channels created locally.
func (p *MockPeerConnection) Channels() []*MockDataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockDataChannel(nil), p.channels...)
}

func (p *MockPeerConnection) SelectedRoute() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == webrtc.ICEConnectionStateConnected {
		return "host mock"
	}
	return ""
}

// Closed reports whether Close was called.
func (p *MockPeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes created channels and reports the closed ICE state, as pion does.
func (p *MockPeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	channels := append([]*MockDataChannel(nil), p.channels...)
	p.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
	p.SetICEState(webrtc.ICEConnectionStateClosed)
	p.loop.stopAfterPending()
	return nil
}

func connectMockPeers(initiator, responder *MockPeerConnection) {
	initiator.mu.Lock()
	pending := initiator.pendingRemote
	initiator.pendingRemote = nil
	initiator.mu.Unlock()

	initiator.SetICEState(webrtc.ICEConnectionStateConnected)
	responder.SetICEState(webrtc.ICEConnectionStateConnected)

	for _, remote := range pending {
		remote := remote
		responder.loop.post(func() {
			responder.mu.Lock()
			fn := responder.onDataChannel
			responder.channels = append(responder.channels, remote)
			responder.mu.Unlock()
			if fn != nil {
				fn(remote)
			}
			remote.Open()
		})
	}
}

// MockNetwork hands out linked mock peer connections: the Nth connection made
// by one factory is linked with the Nth connection made by the other.
type MockNetwork struct {
	mu      sync.Mutex
	waiting map[int][]*MockPeerConnection
	created []*MockPeerConnection
	// FailNext makes the next NewPeerConnection call fail.
	FailNext bool
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{waiting: make(map[int][]*MockPeerConnection)}
}

// Factory returns the factory for one side (0 or 1).
func (n *MockNetwork) Factory(side int) Factory {
	return FactoryFunc(func(iceServers []webrtc.ICEServer) (PeerConnection, error) {
		return n.newPeer(side)
	})
}

func (n *MockNetwork) newPeer(side int) (*MockPeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailNext {
		n.FailNext = false
		return nil, fmt.Errorf("mock: peer connection refused")
	}
	pc := NewMockPeerConnection()
	n.created = append(n.created, pc)
	other := 1 - side
	if queue := n.waiting[other]; len(queue) > 0 {
		peer := queue[0]
		n.waiting[other] = queue[1:]
		pc.peer = peer
		peer.mu.Lock()
		peer.peer = pc
		peer.mu.Unlock()
		return pc, nil
	}
	n.waiting[side] = append(n.waiting[side], pc)
	return pc, nil
}

// Created returns every peer connection made through this network.
func (n *MockNetwork) Created() []*MockPeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*MockPeerConnection(nil), n.created...)
}
