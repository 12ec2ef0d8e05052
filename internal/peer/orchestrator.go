// Package peer owns the lifecycle of one direct peer connection: the
// offer/answer/candidate exchange, the connectivity watchdog, and teardown.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/rtc"
	"github.com/sheerbytes/instadrop/internal/transfer"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRelistenDelay  = time.Second
)

var (
	// ErrConnectivityTimeout means ICE did not connect before the watchdog fired.
	ErrConnectivityTimeout = errors.New("peer: connectivity timeout")
	// ErrClosed is the teardown reason for an explicit Close.
	ErrClosed = errors.New("peer: closed")
	// ErrSuperseded is the teardown reason when Start replaces a live attempt.
	ErrSuperseded = errors.New("peer: superseded by a new attempt")
)

// State is the orchestrator state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Signaler carries signaling payloads to the other member of a room.
type Signaler interface {
	SendSignal(roomCode string, payload protocol.SignalPayload) error
}

// Hooks are the channel events the orchestrator needs from an attachment.
type Hooks struct {
	OnOpen  func()
	OnClose func()
}

// AttachFunc takes ownership of a data channel for the protocol layer. The
// returned Closer is closed on teardown.
type AttachFunc func(dc rtc.DataChannel, hooks Hooks) io.Closer

// StartParams describes one connection attempt.
type StartParams struct {
	Role     string
	RoomCode string
	PeerID   string
	PeerName string
}

// Options configures an Orchestrator.
type Options struct {
	Factory    rtc.Factory
	ICEServers func() []webrtc.ICEServer
	Signaler   Signaler
	Attach     AttachFunc
	Identity   *identity.Store
	Logger     *slog.Logger

	ConnectTimeout time.Duration
	RelistenDelay  time.Duration

	// DefaultHost schedules Relisten after a teardown so a new peer can connect.
	DefaultHost bool
	Relisten    func()

	OnStateChange func(State)
	OnClosed      func(reason error)
}

// Orchestrator drives one peer connection attempt at a time.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	// sigMu serializes signal handling so descriptions and the candidate
	// queue change together.
	sigMu sync.Mutex
	// lifecycle serializes Start and teardown.
	lifecycle sync.Mutex

	mu           sync.Mutex
	gen          uint64
	state        State
	params       StartParams
	pc           rtc.PeerConnection
	dc           rtc.DataChannel
	attachment   io.Closer
	pending      []webrtc.ICECandidateInit
	pendingRoom  string
	offerPending bool
	iceConnected bool
	watchdog     *time.Timer
	relisten     *time.Timer
	defaultHost  bool
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RelistenDelay <= 0 {
		opts.RelistenDelay = DefaultRelistenDelay
	}
	if opts.ICEServers == nil {
		opts.ICEServers = func() []webrtc.ICEServer { return nil }
	}
	return &Orchestrator{
		opts:        opts,
		logger:      logger,
		state:       StateIdle,
		defaultHost: opts.DefaultHost,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Params returns the parameters of the current attempt.
func (o *Orchestrator) Params() StartParams {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.params
}

// PendingCandidates returns how many candidates wait for a remote description.
func (o *Orchestrator) PendingCandidates() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// SetDefaultHost toggles automatic re-listening after teardown.
func (o *Orchestrator) SetDefaultHost(v bool) {
	o.mu.Lock()
	o.defaultHost = v
	o.mu.Unlock()
}

func (o *Orchestrator) setState(gen uint64, s State) bool {
	o.mu.Lock()
	if gen != o.gen || o.state == s {
		o.mu.Unlock()
		return false
	}
	o.state = s
	o.mu.Unlock()
	if o.opts.OnStateChange != nil {
		o.opts.OnStateChange(s)
	}
	return true
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.gen && o.pc != nil
}

// Start begins a connection attempt. A live attempt is torn down first.
func (o *Orchestrator) Start(p StartParams) error {
	if p.Role != protocol.RoleInitiator && p.Role != protocol.RoleResponder {
		return fmt.Errorf("peer: unknown role %q", p.Role)
	}
	if p.RoomCode == "" {
		return errors.New("peer: room code is required")
	}
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.startHeld(p)
}

func (o *Orchestrator) startHeld(p StartParams) error {
	o.mu.Lock()
	live := o.pc != nil
	gen := o.gen
	if o.relisten != nil {
		o.relisten.Stop()
		o.relisten = nil
	}
	o.mu.Unlock()
	if live {
		o.teardownHeld(gen, ErrSuperseded)
	}

	pc, err := o.opts.Factory.NewPeerConnection(o.opts.ICEServers())
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	o.mu.Lock()
	o.gen++
	gen = o.gen
	o.pc = pc
	o.params = p
	o.offerPending = false
	o.iceConnected = false
	if o.pendingRoom != p.RoomCode {
		o.pending = nil
	}
	o.pendingRoom = p.RoomCode
	o.mu.Unlock()

	logger := o.logger.With("room", p.RoomCode, "role", p.Role)
	logger.Info("starting peer connection", "peer", p.PeerID)
	o.setState(gen, StateConnecting)

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || !o.current(gen) {
			return
		}
		if route, err := rtc.CandidateRoute(c.Candidate); err == nil {
			logger.Debug("local candidate", "route", route)
		}
		if err := o.opts.Signaler.SendSignal(p.RoomCode, candidatePayload(*c)); err != nil {
			logger.Warn("failed to send candidate", "err", err)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		o.handleICEState(gen, s)
	})

	o.mu.Lock()
	o.watchdog = time.AfterFunc(o.opts.ConnectTimeout, func() {
		o.mu.Lock()
		fire := gen == o.gen && o.pc != nil && !o.iceConnected
		o.mu.Unlock()
		if fire {
			logger.Warn("connectivity watchdog fired", "timeout", o.opts.ConnectTimeout)
			o.teardownAttempt(gen, ErrConnectivityTimeout)
		}
	})
	o.mu.Unlock()

	if p.Role == protocol.RoleResponder {
		pc.OnDataChannel(func(dc rtc.DataChannel) {
			if !o.current(gen) {
				_ = dc.Close()
				return
			}
			logger.Debug("remote data channel", "label", dc.Label())
			o.attach(gen, dc)
		})
		return nil
	}

	dc, err := pc.CreateDataChannel(rtc.ChannelLabel)
	if err != nil {
		o.teardownHeld(gen, fmt.Errorf("%w: %v", transfer.ErrTransportLost, err))
		return err
	}
	o.attach(gen, dc)

	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		o.teardownHeld(gen, fmt.Errorf("%w: create offer: %v", transfer.ErrTransportLost, err))
		return err
	}
	o.mu.Lock()
	o.offerPending = true
	o.mu.Unlock()
	if err := o.opts.Signaler.SendSignal(p.RoomCode, offerPayload(offer)); err != nil {
		logger.Warn("failed to send offer", "err", err)
	}
	return nil
}

func (o *Orchestrator) attach(gen uint64, dc rtc.DataChannel) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		_ = dc.Close()
		return
	}
	o.dc = dc
	o.mu.Unlock()

	var att io.Closer
	if o.opts.Attach != nil {
		att = o.opts.Attach(dc, Hooks{
			OnOpen: func() { o.channelOpened(gen) },
			OnClose: func() {
				o.teardownAttempt(gen, fmt.Errorf("%w: data channel closed", transfer.ErrTransportLost))
			},
		})
	}

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		if att != nil {
			_ = att.Close()
		}
		return
	}
	o.attachment = att
	o.mu.Unlock()
}

func (o *Orchestrator) channelOpened(gen uint64) {
	o.mu.Lock()
	pc := o.pc
	o.mu.Unlock()
	if !o.setState(gen, StateOpen) {
		return
	}
	route := ""
	if pc != nil {
		route = pc.SelectedRoute()
	}
	o.logger.Info("direct channel open", "route", route)
}

func (o *Orchestrator) handleICEState(gen uint64, s webrtc.ICEConnectionState) {
	if !o.current(gen) {
		return
	}
	o.logger.Debug("ice state", "state", s.String())
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		o.mu.Lock()
		o.iceConnected = true
		if o.watchdog != nil {
			o.watchdog.Stop()
		}
		o.mu.Unlock()
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		o.teardownAttempt(gen, fmt.Errorf("%w: ice %s", transfer.ErrTransportLost, s.String()))
	}
}

// HandleSignal applies an offer, answer or candidate relayed for roomCode.
func (o *Orchestrator) HandleSignal(roomCode string, payload protocol.SignalPayload) {
	o.sigMu.Lock()
	defer o.sigMu.Unlock()

	switch payload.Type {
	case protocol.SignalCandidate:
		o.handleCandidate(roomCode, payload.Candidate)
	case protocol.SignalOffer:
		o.handleOffer(roomCode, payload.Offer)
	case protocol.SignalAnswer:
		o.handleAnswer(roomCode, payload.Answer)
	default:
		o.logger.Warn("dropping unknown signal", "type", payload.Type, "room", roomCode)
	}
}

func (o *Orchestrator) handleCandidate(roomCode string, c *protocol.IceCandidate) {
	init, err := candidateInit(c)
	if err != nil {
		o.logger.Warn("dropping malformed candidate", "err", err)
		return
	}
	o.mu.Lock()
	pc := o.pc
	if pc != nil && o.params.RoomCode != "" && o.params.RoomCode != roomCode {
		live := o.params.RoomCode
		o.mu.Unlock()
		o.logger.Debug("dropping candidate for another room", "room", roomCode, "live", live)
		return
	}
	ready := pc != nil && o.params.RoomCode == roomCode && pc.HasRemoteDescription()
	if !ready {
		if o.pendingRoom != roomCode {
			o.pending = nil
			o.pendingRoom = roomCode
		}
		o.pending = append(o.pending, init)
		n := len(o.pending)
		o.mu.Unlock()
		o.logger.Debug("queued early candidate", "room", roomCode, "queued", n)
		return
	}
	o.mu.Unlock()
	if err := pc.AddICECandidate(init); err != nil {
		o.logger.Warn("add candidate failed", "err", err)
	}
}

func (o *Orchestrator) handleOffer(roomCode string, d *protocol.SessionDescription) {
	offer, err := sessionDescription(protocol.SignalOffer, d)
	if err != nil {
		o.logger.Warn("dropping malformed offer", "err", err)
		return
	}

	o.mu.Lock()
	pc, params, gen := o.pc, o.params, o.gen
	o.mu.Unlock()

	if pc == nil {
		o.logger.Info("offer while idle, starting responder", "room", roomCode)
		if err := o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: roomCode}); err != nil {
			o.logger.Warn("responder start failed", "err", err)
			return
		}
		o.mu.Lock()
		pc, params, gen = o.pc, o.params, o.gen
		o.mu.Unlock()
		if pc == nil {
			return
		}
	}
	if params.RoomCode != roomCode || params.Role != protocol.RoleResponder {
		o.logger.Warn("dropping offer for another attempt", "room", roomCode, "role", params.Role)
		return
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		o.teardownAttempt(gen, fmt.Errorf("%w: set remote offer: %v", transfer.ErrTransportLost, err))
		return
	}
	o.drainCandidates(gen, pc)

	answer, err := pc.CreateAnswer()
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		o.teardownAttempt(gen, fmt.Errorf("%w: create answer: %v", transfer.ErrTransportLost, err))
		return
	}
	if err := o.opts.Signaler.SendSignal(roomCode, answerPayload(answer)); err != nil {
		o.logger.Warn("failed to send answer", "err", err)
	}
}

func (o *Orchestrator) handleAnswer(roomCode string, d *protocol.SessionDescription) {
	answer, err := sessionDescription(protocol.SignalAnswer, d)
	if err != nil {
		o.logger.Warn("dropping malformed answer", "err", err)
		return
	}

	o.mu.Lock()
	pc, gen := o.pc, o.gen
	valid := pc != nil && o.offerPending && o.params.RoomCode == roomCode
	if valid {
		o.offerPending = false
	}
	o.mu.Unlock()

	if !valid {
		o.logger.Warn("answer without pending offer", "room", roomCode)
		o.teardownAttempt(gen, fmt.Errorf("%w: answer without pending offer", transfer.ErrTransportLost))
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		o.teardownAttempt(gen, fmt.Errorf("%w: set remote answer: %v", transfer.ErrTransportLost, err))
		return
	}
	o.drainCandidates(gen, pc)
}

// drainCandidates applies queued candidates in arrival order, once.
func (o *Orchestrator) drainCandidates(gen uint64, pc rtc.PeerConnection) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	queued := o.pending
	o.pending = nil
	o.mu.Unlock()
	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			o.logger.Warn("add queued candidate failed", "err", err)
		}
	}
	if len(queued) > 0 {
		o.logger.Debug("applied queued candidates", "count", len(queued))
	}
}

// Close tears down the current attempt and clears queued candidates.
func (o *Orchestrator) Close() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.mu.Lock()
	gen := o.gen
	if o.relisten != nil {
		o.relisten.Stop()
		o.relisten = nil
	}
	o.pending = nil
	o.pendingRoom = ""
	o.mu.Unlock()
	o.teardownHeld(gen, ErrClosed)
}

func (o *Orchestrator) teardownAttempt(gen uint64, reason error) {
	if !o.current(gen) {
		return
	}
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.teardownHeld(gen, reason)
}

// teardownHeld runs with lifecycle held. Fields are detached first and the
// generation bumped, so callbacks fired while closing see a stale attempt.
func (o *Orchestrator) teardownHeld(gen uint64, reason error) {
	o.mu.Lock()
	if gen != o.gen || o.pc == nil {
		o.mu.Unlock()
		return
	}
	pc, dc, att, watchdog := o.pc, o.dc, o.attachment, o.watchdog
	params := o.params
	o.pc, o.dc, o.attachment, o.watchdog = nil, nil, nil, nil
	o.pending = nil
	o.pendingRoom = ""
	o.offerPending = false
	o.iceConnected = false
	o.params = StartParams{}
	o.gen++
	o.state = StateClosed
	relisten := o.defaultHost && o.opts.Relisten != nil &&
		!errors.Is(reason, ErrClosed) && !errors.Is(reason, ErrSuperseded)
	o.mu.Unlock()

	if watchdog != nil {
		watchdog.Stop()
	}
	if att != nil {
		_ = att.Close()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if err := pc.Close(); err != nil {
		o.logger.Debug("peer connection close", "err", err)
	}
	if o.opts.Identity != nil {
		o.opts.Identity.ClearActivePeer()
	}

	level := slog.LevelInfo
	if !errors.Is(reason, ErrClosed) && !errors.Is(reason, ErrSuperseded) {
		level = slog.LevelWarn
	}
	o.logger.Log(context.Background(), level, "peer connection torn down", "room", params.RoomCode, "reason", reason)

	if o.opts.OnStateChange != nil {
		o.opts.OnStateChange(StateClosed)
	}
	if o.opts.OnClosed != nil {
		o.opts.OnClosed(reason)
	}
	if relisten {
		o.scheduleRelisten()
	}
}

func (o *Orchestrator) scheduleRelisten() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.relisten != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(o.opts.RelistenDelay, func() {
		o.mu.Lock()
		if o.relisten != t {
			o.mu.Unlock()
			return
		}
		o.relisten = nil
		o.mu.Unlock()
		o.logger.Info("default host re-listening")
		o.opts.Relisten()
	})
	o.relisten = t
}
