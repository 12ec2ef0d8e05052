// Package channel runs the control protocol over one open direct channel:
// the identity handshake, transfer request/response, and the demux of control
// and binary frames into the send and receive engines.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/rtc"
	"github.com/sheerbytes/instadrop/internal/transfer"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

// Options configures a Link.
type Options struct {
	Identity *identity.Store
	SaveDir  string
	Logger   *slog.Logger

	// OnPeer runs after a handshake with the peer's display name.
	OnPeer func(peerID, displayName string)

	OnOpen  func()
	OnClose func()

	OnSendUpdate    func(transfer.SendStatus)
	OnReceiveUpdate func(transfer.ReceiveStatus)
	OnReceived      func(peerID string, r transfer.Received)

	// Engine timeouts; zero means the transfer package defaults.
	RequestTimeout time.Duration
	EOFAckTimeout  time.Duration
}

// Link owns one data channel and the engines that use it.
type Link struct {
	dc       rtc.DataChannel
	ids      *identity.Store
	logger   *slog.Logger
	opts     Options
	sender   *transfer.SendEngine
	receiver *transfer.ReceiveEngine
	low      chan struct{}

	handshakeOnce sync.Once
	// closing makes handleClose run once; Close re-enters it from teardown.
	closing atomic.Bool
	closed  chan struct{}

	mu       sync.Mutex
	peerID   string
	peerName string
}

var _ transfer.Channel = (*Link)(nil)

// Attach wires a Link onto dc. If dc is already open the handshake goes out
// immediately, otherwise on the open event.
func Attach(dc rtc.DataChannel, opts Options) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		dc:     dc,
		ids:    opts.Identity,
		logger: logger.With("channel", dc.Label()),
		opts:   opts,
		low:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	l.receiver = transfer.NewReceiveEngine(l, transfer.ReceiveOptions{
		Logger:      l.logger,
		SaveDir:     opts.SaveDir,
		OnUpdate:    opts.OnReceiveUpdate,
		OnCompleted: l.received,
	})
	l.sender = transfer.NewSendEngine(l, transfer.SendOptions{
		Logger:         l.logger,
		Receiving:      l.receiver.Busy,
		OnUpdate:       opts.OnSendUpdate,
		RequestTimeout: opts.RequestTimeout,
		EOFAckTimeout:  opts.EOFAckTimeout,
	})

	dc.SetBufferedAmountLowThreshold(transfer.LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case l.low <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(l.handleMessage)
	dc.OnClose(l.handleClose)
	dc.OnOpen(l.handleOpen)
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		l.handleOpen()
	}
	return l
}

func (l *Link) Sender() *transfer.SendEngine      { return l.sender }
func (l *Link) Receiver() *transfer.ReceiveEngine { return l.receiver }

// Peer returns the id and display name from the handshake, if one arrived.
func (l *Link) Peer() (string, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerID, l.peerName, l.peerID != ""
}

// Busy reports whether either engine has a transfer in flight.
func (l *Link) Busy() bool {
	return l.sender.Busy() || l.receiver.Busy()
}

// Done is closed once the channel has closed.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

func (l *Link) handleOpen() {
	l.handshakeOnce.Do(func() {
		self := l.ids.Identity()
		if err := l.SendControl(protocol.IdentityHandshake(self.ID, self.DisplayName)); err != nil {
			l.logger.Warn("handshake send failed", "err", err)
			return
		}
		l.logger.Debug("handshake sent")
		if l.opts.OnOpen != nil {
			l.opts.OnOpen()
		}
	})
}

func (l *Link) handleMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		l.receiver.HandleChunk(data)
		return
	}
	m, err := protocol.DecodeChannelMessage(msg.Data)
	if err != nil {
		l.logger.Warn("dropping malformed channel message", "err", err)
		return
	}
	switch m.Type {
	case protocol.ChannelIdentityHandshake:
		l.handleHandshake(m)
	case protocol.ChannelRequestTransfer:
		l.handleRequest()
	case protocol.ChannelResponseTransfer:
		l.sender.HandleResponse(m)
	case protocol.ChannelMeta:
		l.receiver.HandleMeta(m.Name, m.Size)
	case protocol.ChannelEOF:
		l.receiver.HandleEOF()
	case protocol.ChannelEOFAck:
		l.sender.HandleEOFAck()
	}
}

func (l *Link) handleHandshake(m protocol.ChannelMessage) {
	if _, err := l.ids.UpsertTrusted(m.ID, m.Name); err != nil {
		if errors.Is(err, identity.ErrSelf) {
			l.logger.Warn("peer announced our own device id", "id", m.ID)
		} else {
			l.logger.Warn("failed to record trusted peer", "id", m.ID, "err", err)
		}
	}
	l.ids.SetActivePeer(m.ID, l.IsOpen)
	display := l.ids.DisplayName(m.ID, m.Name)

	l.mu.Lock()
	l.peerID = m.ID
	l.peerName = display
	l.mu.Unlock()

	l.logger.Info("peer identified", "peer", m.ID, "name", display)
	if l.opts.OnPeer != nil {
		l.opts.OnPeer(m.ID, display)
	}
}

// handleRequest reserves the receiver before looking at the sender. Send
// checks the receiver after marking itself busy, so one of the two always
// sees the other.
func (l *Link) handleRequest() {
	reserved := l.receiver.TryExpect()
	if reserved && l.sender.Busy() {
		l.receiver.Release()
		reserved = false
	}
	if !reserved {
		l.logger.Info("rejecting transfer request", "reason", transfer.BusyReason)
		if err := l.SendControl(protocol.TransferResponse(false, transfer.BusyReason)); err != nil {
			l.logger.Warn("response send failed", "err", err)
		}
		return
	}
	if err := l.SendControl(protocol.TransferResponse(true, "")); err != nil {
		l.logger.Warn("response send failed", "err", err)
	}
}

func (l *Link) received(r transfer.Received) {
	if l.opts.OnReceived == nil {
		return
	}
	peerID, _, _ := l.Peer()
	l.opts.OnReceived(peerID, r)
}

func (l *Link) handleClose() {
	if !l.closing.CompareAndSwap(false, true) {
		return
	}
	close(l.closed)
	l.sender.TransportLost()
	l.receiver.TransportLost()
	if peerID, _, ok := l.Peer(); ok {
		if active, has := l.ids.ActivePeer(); has && active == peerID {
			l.ids.ClearActivePeer()
		}
	}
	l.logger.Info("channel closed")
	if l.opts.OnClose != nil {
		l.opts.OnClose()
	}
}

// SendControl sends a control message as a text frame.
func (l *Link) SendControl(m protocol.ChannelMessage) error {
	text, err := protocol.EncodeChannelMessage(m)
	if err != nil {
		return err
	}
	if err := l.dc.SendText(text); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

// SendChunk sends raw file bytes as a binary frame.
func (l *Link) SendChunk(data []byte) error {
	return l.dc.Send(data)
}

func (l *Link) BufferedAmount() uint64 {
	return l.dc.BufferedAmount()
}

func (l *Link) BufferedLow() <-chan struct{} {
	return l.low
}

// IsOpen reports whether the channel is open and not yet closed locally.
func (l *Link) IsOpen() bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	return l.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Close closes the data channel and fails any transfer in flight.
func (l *Link) Close() error {
	err := l.dc.Close()
	l.handleClose()
	return err
}
