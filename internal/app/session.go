// Package app wires identity, signaling, the peer orchestrator and the
// transfer engines into one long-lived session per process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/instadrop/internal/channel"
	"github.com/sheerbytes/instadrop/internal/config"
	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/peer"
	"github.com/sheerbytes/instadrop/internal/rtc"
	"github.com/sheerbytes/instadrop/internal/signaling"
	"github.com/sheerbytes/instadrop/internal/storage"
	"github.com/sheerbytes/instadrop/internal/transfer"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

// ErrNoPeer is returned by transfer controls when no direct channel is open.
var ErrNoPeer = errors.New("app: no peer connected")

// History records completed inbound files. *storage.Store implements it.
type History interface {
	RecordReceivedFile(f storage.ReceivedFile) (int64, error)
}

// Options configures a Session.
type Options struct {
	Config   config.ClientConfig
	Identity *identity.Store
	History  History
	// Factory defaults to pion.
	Factory rtc.Factory
	Logger  *slog.Logger

	// OnReceived runs after a file is finalized and recorded.
	OnReceived func(peerID string, r transfer.Received)

	// Zero values use the package defaults.
	ConnectTimeout   time.Duration
	RelistenDelay    time.Duration
	RequestTimeout   time.Duration
	EOFAckTimeout    time.Duration
	PresenceInterval time.Duration
	ReconnectDelay   time.Duration
}

// RoomSession is the room this device is currently in.
type RoomSession struct {
	RoomCode     string
	Role         string
	PeerDeviceID string
	PeerName     string
}

// Status is a point-in-time view of the session.
type Status struct {
	SignalingConnected bool
	Room               *RoomSession
	PeerState          peer.State
	P2PReady           bool
	PeerID             string
	PeerName           string
	Send               transfer.SendStatus
	Receive            transfer.ReceiveStatus
	LastError          error
}

// Session is the process-wide connection and transfer state.
type Session struct {
	opts   Options
	ids    *identity.Store
	logger *slog.Logger

	signal *signaling.Client
	orch   *peer.Orchestrator

	mu          sync.Mutex
	room        *RoomSession
	hosting     bool
	defaultHost bool
	link        *channel.Link
	lastSend    transfer.SendStatus
	lastRecv    transfer.ReceiveStatus
	lastErr     error
	subs        map[int]func(Status)
	nextSub     int
	closed      bool

	closeOnce sync.Once
}

// New builds a session. Call Start to connect to the relay.
func New(opts Options) (*Session, error) {
	if opts.Identity == nil {
		return nil, errors.New("app: identity store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = &rtc.PionFactory{Logger: logger}
	}

	s := &Session{
		opts:        opts,
		ids:         opts.Identity,
		logger:      logger,
		defaultHost: opts.Config.DefaultHost,
		lastSend:    transfer.SendStatus{State: transfer.SendIdle},
		lastRecv:    transfer.ReceiveStatus{State: transfer.ReceiveIdle},
		subs:        make(map[int]func(Status)),
	}

	client, err := signaling.New(signaling.Options{
		URL:              opts.Config.SignalingURL,
		Identity:         opts.Identity,
		Logger:           logger,
		OnEvent:          s.handleEvent,
		PresenceInterval: opts.PresenceInterval,
		ReconnectDelay:   opts.ReconnectDelay,
	})
	if err != nil {
		return nil, err
	}
	s.signal = client
	opts.Identity.SetAnnouncer(client)

	iceServers := opts.Config.ICEServers()
	s.orch = peer.New(peer.Options{
		Factory:        opts.Factory,
		ICEServers:     func() []webrtc.ICEServer { return iceServers },
		Signaler:       client,
		Attach:         s.attach,
		Identity:       opts.Identity,
		Logger:         logger.With("component", "peer"),
		ConnectTimeout: opts.ConnectTimeout,
		RelistenDelay:  opts.RelistenDelay,
		DefaultHost:    opts.Config.DefaultHost,
		Relisten:       s.relisten,
		OnStateChange:  func(peer.State) { s.notify() },
		OnClosed:       s.connectionClosed,
	})
	return s, nil
}

// Start connects to the relay.
func (s *Session) Start(ctx context.Context) error {
	return s.signal.Connect(ctx)
}

// Identity returns the identity store backing the session.
func (s *Session) Identity() *identity.Store {
	return s.ids
}

// Subscribe registers fn for status changes. The returned func unsubscribes.
func (s *Session) Subscribe(fn func(Status)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Status returns a snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		SignalingConnected: s.signal.Connected(),
		Send:               s.lastSend,
		Receive:            s.lastRecv,
		LastError:          s.lastErr,
	}
	if s.room != nil {
		r := *s.room
		st.Room = &r
	}
	link := s.link
	s.mu.Unlock()

	st.PeerState = s.orch.State()
	if link != nil {
		st.Send = link.Sender().Status()
		st.Receive = link.Receiver().Status()
		if id, name, ok := link.Peer(); ok {
			st.PeerID, st.PeerName = id, name
			st.P2PReady = link.IsOpen()
		}
	}
	return st
}

func (s *Session) notify() {
	st := s.Status()
	s.mu.Lock()
	subs := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.notify()
}

// WaitReady blocks until a handshake has completed over an open channel.
func (s *Session) WaitReady(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	unsubscribe := s.Subscribe(func(st Status) {
		if st.P2PReady {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()
	if s.Status().P2PReady {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	}
}

// CreateRoom asks the relay for a room and becomes its host.
func (s *Session) CreateRoom() error {
	s.mu.Lock()
	s.hosting = true
	s.mu.Unlock()
	return s.signal.CreateRoom()
}

// JoinRoom joins another device's room as responder.
func (s *Session) JoinRoom(code string) error {
	s.mu.Lock()
	s.hosting = false
	s.mu.Unlock()
	return s.signal.JoinRoom(code)
}

// ConnectTo asks the relay to pair this device with a trusted peer.
func (s *Session) ConnectTo(peerID string) error {
	if _, ok := s.ids.Peer(peerID); !ok {
		return fmt.Errorf("%w: %s", identity.ErrUnknownPeer, peerID)
	}
	s.mu.Lock()
	s.hosting = false
	s.mu.Unlock()
	return s.signal.RequestDirectConnection(peerID)
}

// SetDefaultHost toggles re-opening a room after each peer leaves.
func (s *Session) SetDefaultHost(v bool) {
	s.mu.Lock()
	s.defaultHost = v
	s.mu.Unlock()
	s.orch.SetDefaultHost(v)
}

// Refresh drops the current connection and room.
func (s *Session) Refresh() {
	s.mu.Lock()
	s.room = nil
	s.hosting = false
	s.mu.Unlock()
	s.orch.Close()
	s.notify()
}

// RegenerateIdentity replaces the device id, drops the connection and
// re-announces under the new id.
func (s *Session) RegenerateIdentity() (identity.DeviceIdentity, error) {
	id, err := s.ids.Regenerate()
	if err != nil {
		return identity.DeviceIdentity{}, err
	}
	s.Refresh()
	if err := s.signal.Announce(); err != nil && !errors.Is(err, signaling.ErrDisconnected) {
		return id, err
	}
	return id, nil
}

func (s *Session) currentLink() (*channel.Link, error) {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil || !link.IsOpen() {
		return nil, ErrNoPeer
	}
	return link, nil
}

// SendFile sends path to the connected peer.
func (s *Session) SendFile(ctx context.Context, path string) (transfer.Outcome, error) {
	link, err := s.currentLink()
	if err != nil {
		return transfer.OutcomeFailed, err
	}
	return link.Sender().Send(ctx, path)
}

func (s *Session) Pause() error {
	link, err := s.currentLink()
	if err != nil {
		return err
	}
	return link.Sender().Pause()
}

func (s *Session) Resume() error {
	link, err := s.currentLink()
	if err != nil {
		return err
	}
	return link.Sender().Resume()
}

func (s *Session) Cancel() error {
	link, err := s.currentLink()
	if err != nil {
		return err
	}
	return link.Sender().Cancel()
}

// Close tears down the direct connection and the relay link.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.orch.SetDefaultHost(false)
		s.orch.Close()
		err = s.signal.Close()
		s.ids.SetAnnouncer(nil)
	})
	return err
}

func (s *Session) attach(dc rtc.DataChannel, hooks peer.Hooks) io.Closer {
	link := channel.Attach(dc, channel.Options{
		Identity: s.ids,
		SaveDir:  s.opts.Config.SaveDir,
		Logger:   s.logger,
		OnPeer: func(peerID, name string) {
			s.mu.Lock()
			if s.room != nil && s.room.PeerDeviceID == "" {
				s.room.PeerDeviceID = peerID
				s.room.PeerName = name
			}
			s.mu.Unlock()
			s.logger.Info("peer connected", "peer", peerID, "name", name)
			s.notify()
		},
		OnOpen:  hooks.OnOpen,
		OnClose: hooks.OnClose,
		OnSendUpdate: func(st transfer.SendStatus) {
			s.mu.Lock()
			s.lastSend = st
			s.mu.Unlock()
			s.notify()
		},
		OnReceiveUpdate: func(st transfer.ReceiveStatus) {
			s.mu.Lock()
			s.lastRecv = st
			s.mu.Unlock()
			s.notify()
		},
		OnReceived:     s.received,
		RequestTimeout: s.opts.RequestTimeout,
		EOFAckTimeout:  s.opts.EOFAckTimeout,
	})
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
	return link
}

func (s *Session) received(peerID string, r transfer.Received) {
	if s.opts.History != nil {
		if _, err := s.opts.History.RecordReceivedFile(storage.ReceivedFile{
			Name:       r.Name,
			Path:       r.Path,
			Size:       r.Size,
			PeerID:     peerID,
			ReceivedAt: time.Now(),
		}); err != nil {
			s.logger.Warn("failed to record received file", "name", r.Name, "err", err)
		}
	}
	if s.opts.OnReceived != nil {
		s.opts.OnReceived(peerID, r)
	}
}

func (s *Session) connectionClosed(reason error) {
	s.mu.Lock()
	if s.link != nil {
		s.lastSend = s.link.Sender().Status()
		s.lastRecv = s.link.Receiver().Status()
		s.link = nil
	}
	if !errors.Is(reason, peer.ErrSuperseded) {
		s.room = nil
		if !errors.Is(reason, peer.ErrClosed) {
			s.lastErr = reason
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) relisten() {
	s.mu.Lock()
	skip := s.closed || !s.defaultHost
	if !skip {
		s.hosting = true
	}
	s.mu.Unlock()
	if skip {
		return
	}
	if err := s.signal.CreateRoom(); err != nil {
		s.logger.Warn("re-listen failed", "err", err)
	}
}

func (s *Session) start(p peer.StartParams) {
	if err := s.orch.Start(p); err != nil {
		s.logger.Warn("peer connection start failed", "room", p.RoomCode, "err", err)
		s.setError(err)
	}
}

func (s *Session) handleEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventConnected:
		// the relay forgets rooms of dropped connections
		s.mu.Lock()
		rehost := s.hosting && s.room == nil && s.link == nil && !s.closed
		s.mu.Unlock()
		if rehost {
			if err := s.signal.CreateRoom(); err != nil {
				s.logger.Warn("re-create room failed", "err", err)
			}
		}
		s.notify()

	case signaling.EventDisconnected, signaling.EventError:
		s.mu.Lock()
		if s.room != nil && s.link == nil {
			s.room = nil
		}
		s.mu.Unlock()
		if ev.Err != nil {
			s.setError(ev.Err)
			return
		}
		s.notify()

	case signaling.EventRoomCreated:
		s.mu.Lock()
		s.room = &RoomSession{RoomCode: ev.RoomCode, Role: protocol.RoleInitiator}
		s.hosting = true
		s.mu.Unlock()
		s.logger.Info("room created", "room", ev.RoomCode)
		s.notify()

	case signaling.EventPeerJoined:
		s.mu.Lock()
		room := s.room
		ok := s.hosting && room != nil && room.Role == protocol.RoleInitiator
		if ok {
			room.PeerDeviceID = ev.PeerID
			room.PeerName = ev.PeerName
		}
		var code string
		if room != nil {
			code = room.RoomCode
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("peer joined without a hosted room", "peer", ev.PeerID)
			return
		}
		s.start(peer.StartParams{Role: protocol.RoleInitiator, RoomCode: code, PeerID: ev.PeerID, PeerName: ev.PeerName})

	case signaling.EventJoinSuccess:
		s.mu.Lock()
		s.room = &RoomSession{RoomCode: ev.RoomCode, Role: protocol.RoleResponder}
		s.mu.Unlock()
		// an early offer may already have started the responder
		if p := s.orch.Params(); p.RoomCode == ev.RoomCode {
			s.notify()
			return
		}
		s.start(peer.StartParams{Role: protocol.RoleResponder, RoomCode: ev.RoomCode})

	case signaling.EventJoinError:
		s.setError(fmt.Errorf("join room: %s", ev.Message))

	case signaling.EventDirectReady:
		s.mu.Lock()
		s.room = &RoomSession{RoomCode: ev.RoomCode, Role: ev.Role, PeerDeviceID: ev.PeerID, PeerName: ev.PeerName}
		s.hosting = false
		s.mu.Unlock()
		s.start(peer.StartParams{Role: ev.Role, RoomCode: ev.RoomCode, PeerID: ev.PeerID, PeerName: ev.PeerName})

	case signaling.EventDirectError:
		s.setError(fmt.Errorf("direct connection: %s", ev.Message))

	case signaling.EventSignal:
		s.orch.HandleSignal(ev.RoomCode, ev.Signal)

	case signaling.EventPeerDisconnected:
		s.peerLeft(ev.PeerID)

	case signaling.EventOnlineStatus:
		s.notify()
	}
}

// peerLeft handles the relay reporting that the other room member left. An
// open direct channel is unaffected; a handshake in progress is abandoned.
func (s *Session) peerLeft(peerID string) {
	s.mu.Lock()
	open := s.link != nil && s.link.IsOpen()
	if !open {
		s.room = nil
	}
	rehost := !open && s.defaultHost && !s.closed
	s.mu.Unlock()
	s.logger.Info("relay reports peer left", "peer", peerID, "channel_open", open)
	if open {
		return
	}
	if s.orch.State() == peer.StateConnecting {
		s.orch.Close()
	}
	if rehost {
		s.relisten()
	}
	s.notify()
}
