// Package signaling talks to the relay: presence, rooms, direct pairing of
// trusted devices and the opaque offer/answer/candidate relay.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/wsclient"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

const (
	DefaultPresenceInterval  = 5 * time.Second
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = 2 * time.Second
	dialTimeout              = 10 * time.Second
)

var (
	// ErrDisconnected is returned by operations issued while the relay link is down.
	ErrDisconnected = errors.New("signaling: not connected")
	// ErrInvalidRoomCode is returned by JoinRoom for a malformed code.
	ErrInvalidRoomCode = errors.New("signaling: invalid room code")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("signaling: client closed")
)

// EventKind names what happened on the relay link.
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventError            EventKind = "error"
	EventRoomCreated      EventKind = "room-created"
	EventJoinSuccess      EventKind = "join-success"
	EventJoinError        EventKind = "join-error"
	EventPeerJoined       EventKind = "peer-joined"
	EventDirectReady      EventKind = "direct-connection-ready"
	EventDirectError      EventKind = "direct-connection-error"
	EventSignal           EventKind = "signal"
	EventPeerDisconnected EventKind = "peer-disconnected"
	EventOnlineStatus     EventKind = "online-status"
)

// Event is delivered to Options.OnEvent in relay order.
type Event struct {
	Kind     EventKind
	RoomCode string
	Role     string
	PeerID   string
	PeerName string
	Message  string
	Signal   protocol.SignalPayload
	Statuses map[string]bool
	Err      error
}

// Options configures a Client.
type Options struct {
	// URL is the relay base URL; http(s) is converted to ws(s) and /ws appended.
	URL      string
	Identity *identity.Store
	Logger   *slog.Logger
	OnEvent  func(Event)

	PresenceInterval  time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Client is a signaling connection that reconnects a bounded number of times.
type Client struct {
	opts   Options
	wsURL  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *wsclient.Conn

	closeOnce sync.Once
}

// New validates the relay URL. Call Connect to dial.
func New(opts Options) (*Client, error) {
	if opts.Identity == nil {
		return nil, errors.New("signaling: identity store is required")
	}
	wsURL, err := wsclient.URL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = DefaultPresenceInterval
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		wsURL:  wsURL,
		logger: logger.With("component", "signaling"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Connect dials the relay, announces the device and starts the read and
// presence loops. A failed first dial is returned and not retried.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*wsclient.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := wsclient.Dial(dctx, c.wsURL, c.logger)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func (c *Client) run(conn *wsclient.Conn) {
	defer c.wg.Done()
	for {
		c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.emit(Event{Kind: EventDisconnected, Err: ErrDisconnected})

		next, err := c.reconnect()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("relay reconnect gave up", "attempts", c.opts.ReconnectAttempts, "err", err)
				c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrDisconnected, err)})
			}
			return
		}
		conn = next
	}
}

// serve runs one connection until it drops.
func (c *Client) serve(conn *wsclient.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if err := c.Announce(); err != nil {
		c.logger.Warn("announce failed", "err", err)
		return
	}
	c.logger.Info("connected to relay", "url", c.wsURL)
	c.emit(Event{Kind: EventConnected})

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	go c.presenceLoop(ctx)

	err := conn.ReadLoop(ctx, c.handleEnvelope)
	if err != nil && c.ctx.Err() == nil {
		c.logger.Info("relay connection lost", "err", err)
	}
}

func (c *Client) reconnect() (*wsclient.Conn, error) {
	select {
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-time.After(c.opts.ReconnectDelay):
	}

	var conn *wsclient.Conn
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.ReconnectDelay), uint64(c.opts.ReconnectAttempts-1)),
		c.ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		next, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		conn = next
		return nil
	}, b, func(err error, wait time.Duration) {
		c.logger.Info("relay reconnect failed", "attempt", attempt, "retry_in", wait, "err", err)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) presenceLoop(ctx context.Context) {
	c.checkOnline()
	ticker := time.NewTicker(c.opts.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkOnline()
		}
	}
}

func (c *Client) checkOnline() {
	ids := c.opts.Identity.PeerIDs()
	if len(ids) == 0 {
		return
	}
	if err := c.send(protocol.TypeCheckOnlineStatus, protocol.CheckOnlineStatus{DeviceIDs: ids}); err != nil {
		c.logger.Debug("presence poll skipped", "err", err)
	}
}

func (c *Client) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomCreated:
		var p protocol.RoomCreated
		if c.decode(env, &p) {
			c.emit(Event{Kind: EventRoomCreated, RoomCode: p.RoomCode})
		}
	case protocol.TypeJoinSuccess:
		var p protocol.JoinSuccess
		if c.decode(env, &p) {
			c.emit(Event{Kind: EventJoinSuccess, RoomCode: p.RoomCode})
		}
	case protocol.TypeJoinError:
		var p protocol.ErrorMessage
		if c.decode(env, &p) {
			c.emit(Event{Kind: EventJoinError, Message: p.Message})
		}
	case protocol.TypePeerJoined:
		// The payload is optional; older relays send none.
		var p protocol.PeerJoined
		if len(env.Payload) > 0 && !c.decode(env, &p) {
			return
		}
		c.emit(Event{Kind: EventPeerJoined, PeerID: p.DeviceID, PeerName: p.DeviceName})
	case protocol.TypeDirectConnectionReady:
		var p protocol.DirectConnectionReady
		if !c.decode(env, &p) {
			return
		}
		if p.Role != protocol.RoleInitiator && p.Role != protocol.RoleResponder {
			c.logger.Warn("dropping pairing with unknown role", "role", p.Role)
			return
		}
		c.emit(Event{Kind: EventDirectReady, RoomCode: p.RoomID, Role: p.Role, PeerID: p.PeerDeviceID, PeerName: p.PeerDeviceName})
	case protocol.TypeDirectConnectionError:
		var p protocol.ErrorMessage
		if c.decode(env, &p) {
			c.emit(Event{Kind: EventDirectError, Message: p.Message})
		}
	case protocol.TypeOnlineStatus:
		var p protocol.OnlineStatus
		if !c.decode(env, &p) {
			return
		}
		c.opts.Identity.SetOnline(p.Statuses)
		c.emit(Event{Kind: EventOnlineStatus, Statuses: p.Statuses})
	case protocol.TypeSignal:
		var p protocol.Signal
		if !c.decode(env, &p) {
			return
		}
		c.emit(Event{Kind: EventSignal, RoomCode: p.RoomCode, Signal: p.Payload})
	case protocol.TypePeerDisconnected:
		var p protocol.PeerDisconnected
		if len(env.Payload) > 0 && !c.decode(env, &p) {
			return
		}
		c.emit(Event{Kind: EventPeerDisconnected, PeerID: p.DeviceID})
	default:
		c.logger.Debug("ignoring relay event", "type", env.Type)
	}
}

func (c *Client) decode(env protocol.Envelope, out any) bool {
	if err := env.DecodePayload(out); err != nil {
		c.logger.Warn("malformed relay event", "type", env.Type, "err", err)
		return false
	}
	return true
}

func (c *Client) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func (c *Client) send(msgType string, payload any) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(env); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Connected reports whether a relay connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Announce (re)sends device-online with the current identity.
func (c *Client) Announce() error {
	id := c.opts.Identity.Identity()
	return c.send(protocol.TypeDeviceOnline, protocol.DeviceOnline{DeviceID: id.ID, DeviceName: id.DisplayName})
}

// CreateRoom asks for a fresh room code. A second call supersedes the first.
func (c *Client) CreateRoom() error {
	return c.send(protocol.TypeCreateRoom, nil)
}

// JoinRoom validates code locally, then asks the relay to join it.
func (c *Client) JoinRoom(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !protocol.ValidRoomCode(code) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomCode, code)
	}
	return c.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: code})
}

// RequestDirectConnection asks the relay to pair this device with peerID.
func (c *Client) RequestDirectConnection(peerID string) error {
	if peerID == "" {
		return errors.New("signaling: peer id is required")
	}
	return c.send(protocol.TypeRequestDirectConnection, protocol.RequestDirectConnection{TargetDeviceID: peerID})
}

// SendSignal relays payload to the other member of roomCode.
func (c *Client) SendSignal(roomCode string, payload protocol.SignalPayload) error {
	return c.send(protocol.TypeSignal, protocol.Signal{RoomCode: roomCode, Payload: payload})
}

// CheckOnline polls presence immediately instead of waiting for the ticker.
func (c *Client) CheckOnline() {
	c.checkOnline()
}

// Close stops reconnecting and closes the relay connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	c.wg.Wait()
	return nil
}
