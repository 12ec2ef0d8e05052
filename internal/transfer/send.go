package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/instadrop/internal/localfs"
	"github.com/sheerbytes/instadrop/internal/progress"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

// SendOptions configures a SendEngine.
type SendOptions struct {
	Logger *slog.Logger

	// Receiving reports whether the local receive engine is busy.
	Receiving func() bool

	// OnUpdate observes state changes and rate samples.
	OnUpdate func(SendStatus)

	// RequestTimeout and EOFAckTimeout default to the package constants.
	RequestTimeout time.Duration
	EOFAckTimeout  time.Duration
	Now            func() time.Time
}

// SendEngine drives one outbound file at a time over a Channel.
type SendEngine struct {
	ch        Channel
	logger    *slog.Logger
	receiving func() bool
	onUpdate  func(SendStatus)
	meter     *progress.Meter
	reqWait   time.Duration
	ackWait   time.Duration

	lostOnce sync.Once
	lost     chan struct{}

	mu        sync.Mutex
	status    SendStatus
	cancel    chan struct{}
	cancelled bool
	paused    bool
	resume    chan struct{}
	responses chan protocol.ChannelMessage
	acks      chan struct{}
	awaitResp bool
	awaitAck  bool
}

func NewSendEngine(ch Channel, opts SendOptions) *SendEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	receiving := opts.Receiving
	if receiving == nil {
		receiving = func() bool { return false }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reqWait := opts.RequestTimeout
	if reqWait <= 0 {
		reqWait = RequestTimeout
	}
	ackWait := opts.EOFAckTimeout
	if ackWait <= 0 {
		ackWait = EOFAckTimeout
	}
	return &SendEngine{
		ch:        ch,
		logger:    logger,
		receiving: receiving,
		onUpdate:  opts.OnUpdate,
		meter:     progress.NewMeterWithNow(now),
		reqWait:   reqWait,
		ackWait:   ackWait,
		lost:      make(chan struct{}),
		status:    SendStatus{State: SendIdle},
		responses: make(chan protocol.ChannelMessage, 1),
		acks:      make(chan struct{}, 1),
	}
}

// Status returns the current sender snapshot.
func (e *SendEngine) Status() SendStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *SendEngine) snapshotLocked() SendStatus {
	st := e.status
	if st.State == SendSending {
		snap := e.meter.Snapshot()
		st.RateBps = snap.RateBps
		st.ETA = snap.ETA
	}
	return st
}

// Busy reports whether a send is in flight.
func (e *SendEngine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyLocked()
}

func (e *SendEngine) busyLocked() bool {
	return e.status.State == SendSending || e.status.State == SendPaused
}

func (e *SendEngine) publish() {
	if e.onUpdate == nil {
		return
	}
	e.onUpdate(e.Status())
}

// Send streams the file at path to the peer. It returns after eof-ack (or its
// timeout), a rejection, a cancel or a transport loss. A cancel returns
// OutcomeCancelled with ErrTransferCancelled and leaves the engine idle.
func (e *SendEngine) Send(ctx context.Context, path string) (Outcome, error) {
	e.mu.Lock()
	if e.busyLocked() || e.receiving() {
		e.mu.Unlock()
		return OutcomeRejected, ErrBusy
	}
	if !e.ch.IsOpen() || e.isLost() {
		e.mu.Unlock()
		return OutcomeFailed, ErrChannelNotOpen
	}
	info, err := localfs.Stat(path)
	if err != nil {
		e.status = SendStatus{State: SendError, Err: err}
		e.mu.Unlock()
		e.publish()
		return OutcomeFailed, err
	}
	e.status = SendStatus{State: SendSending, Name: info.Name, Size: info.Size}
	e.cancel = make(chan struct{})
	e.cancelled = false
	e.paused = false
	e.resume = nil
	drain(e.responses)
	drain(e.acks)
	e.awaitResp = true
	cancel := e.cancel
	e.mu.Unlock()
	e.publish()

	logger := e.logger.With("file", info.Name, "size", info.Size)

	if err := e.ch.SendControl(protocol.ChannelMessage{Type: protocol.ChannelRequestTransfer}); err != nil {
		return e.fail(logger, fmt.Errorf("%w: send request: %v", ErrTransportLost, err))
	}
	if err := e.awaitResponse(ctx, cancel); err != nil {
		if errors.Is(err, ErrPeerRejected) {
			e.finish(SendError, err)
			logger.Info("transfer rejected", "err", err)
			return OutcomeRejected, err
		}
		return e.interrupted(logger, err)
	}

	r, err := localfs.OpenReader(path)
	if err != nil {
		return e.fail(logger, err)
	}
	defer r.Close()
	size := r.Size()
	e.mu.Lock()
	e.status.Size = size
	e.mu.Unlock()

	if err := e.ch.SendControl(protocol.FileMeta(info.Name, size)); err != nil {
		return e.fail(logger, fmt.Errorf("%w: send meta: %v", ErrTransportLost, err))
	}
	e.meter.Start(size)
	logger.Info("transfer started")

	buf := make([]byte, ChunkSize)
	var offset int64
	for offset < size {
		if err := e.checkpoint(ctx, cancel); err != nil {
			return e.interrupted(logger, err)
		}
		if e.ch.BufferedAmount() > HighWaterMark {
			if err := e.waitBuffered(ctx, cancel); err != nil {
				return e.interrupted(logger, err)
			}
			continue
		}

		want := int64(ChunkSize)
		if remaining := size - offset; remaining < want {
			want = remaining
		}
		n, err := r.ReadChunk(offset, buf[:want])
		if err != nil {
			return e.fail(logger, fmt.Errorf("read chunk at %d: %w", offset, err))
		}
		if n == 0 {
			return e.fail(logger, fmt.Errorf("file shrank to %d bytes", offset))
		}
		if err := e.ch.SendChunk(buf[:n]); err != nil {
			return e.fail(logger, fmt.Errorf("%w: send chunk: %v", ErrTransportLost, err))
		}
		offset += int64(n)

		e.mu.Lock()
		e.status.Offset = offset
		e.mu.Unlock()
		if e.meter.Observe(offset) {
			e.publish()
		}
	}

	e.mu.Lock()
	e.awaitAck = true
	e.mu.Unlock()
	if err := e.ch.SendControl(protocol.ChannelMessage{Type: protocol.ChannelEOF}); err != nil {
		return e.fail(logger, fmt.Errorf("%w: send eof: %v", ErrTransportLost, err))
	}
	if err := e.awaitEOFAck(ctx, cancel); err != nil {
		return e.interrupted(logger, err)
	}

	e.finish(SendDone, nil)
	logger.Info("transfer complete")
	return OutcomeDone, nil
}

func (e *SendEngine) awaitResponse(ctx context.Context, cancel <-chan struct{}) error {
	timer := time.NewTimer(e.reqWait)
	defer timer.Stop()
	defer func() {
		e.mu.Lock()
		e.awaitResp = false
		e.mu.Unlock()
	}()
	select {
	case resp := <-e.responses:
		if resp.Accepted {
			return nil
		}
		return &RejectedError{Reason: resp.Reason}
	case <-timer.C:
		return &RejectedError{Reason: TimedOutReason}
	case <-cancel:
		return ErrTransferCancelled
	case <-e.lost:
		return ErrTransportLost
	case <-ctx.Done():
		return ErrTransferCancelled
	}
}

// checkpoint runs before every chunk: cancel, then liveness, then pause.
func (e *SendEngine) checkpoint(ctx context.Context, cancel <-chan struct{}) error {
	if e.isCancelled(ctx, cancel) {
		return ErrTransferCancelled
	}
	if e.isLost() || !e.ch.IsOpen() {
		return ErrTransportLost
	}
	for {
		e.mu.Lock()
		paused := e.paused
		resume := e.resume
		e.mu.Unlock()
		if !paused {
			return nil
		}
		timer := time.NewTimer(PausePollInterval)
		select {
		case <-resume:
		case <-timer.C:
		case <-cancel:
		case <-e.lost:
		case <-ctx.Done():
		}
		timer.Stop()
		if e.isCancelled(ctx, cancel) {
			return ErrTransferCancelled
		}
		if e.isLost() || !e.ch.IsOpen() {
			return ErrTransportLost
		}
		e.mu.Lock()
		resumed := !e.paused
		e.mu.Unlock()
		if resumed {
			e.meter.ResetWindow()
			return nil
		}
	}
}

func (e *SendEngine) waitBuffered(ctx context.Context, cancel <-chan struct{}) error {
	timer := time.NewTimer(BackpressureDelay)
	defer timer.Stop()
	select {
	case <-e.ch.BufferedLow():
	case <-timer.C:
	case <-cancel:
		return ErrTransferCancelled
	case <-e.lost:
		return ErrTransportLost
	case <-ctx.Done():
		return ErrTransferCancelled
	}
	return nil
}

func (e *SendEngine) awaitEOFAck(ctx context.Context, cancel <-chan struct{}) error {
	timer := time.NewTimer(e.ackWait)
	defer timer.Stop()
	defer func() {
		e.mu.Lock()
		e.awaitAck = false
		e.mu.Unlock()
	}()
	select {
	case <-e.acks:
		return nil
	case <-timer.C:
		e.logger.Warn("no eof-ack from peer, assuming delivered", "timeout", e.ackWait)
		return nil
	case <-cancel:
		return ErrTransferCancelled
	case <-e.lost:
		return ErrTransportLost
	case <-ctx.Done():
		return ErrTransferCancelled
	}
}

func (e *SendEngine) isCancelled(ctx context.Context, cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (e *SendEngine) isLost() bool {
	select {
	case <-e.lost:
		return true
	default:
		return false
	}
}

// interrupted maps a loop exit to cancel or transport loss.
func (e *SendEngine) interrupted(logger *slog.Logger, err error) (Outcome, error) {
	if errors.Is(err, ErrTransferCancelled) {
		e.finish(SendIdle, nil)
		logger.Info("transfer cancelled")
		// Closing the channel is how the peer learns about the cancel.
		if cerr := e.ch.Close(); cerr != nil {
			logger.Debug("close channel after cancel", "err", cerr)
		}
		return OutcomeCancelled, ErrTransferCancelled
	}
	return e.fail(logger, err)
}

func (e *SendEngine) fail(logger *slog.Logger, err error) (Outcome, error) {
	e.finish(SendError, err)
	logger.Warn("transfer failed", "err", err)
	return OutcomeFailed, err
}

func (e *SendEngine) finish(state SendState, err error) {
	e.mu.Lock()
	if state == SendIdle {
		e.status = SendStatus{State: SendIdle}
	} else {
		e.status.State = state
		e.status.Err = err
		if state == SendDone {
			e.status.Offset = e.status.Size
		}
	}
	e.paused = false
	e.awaitResp = false
	e.awaitAck = false
	e.mu.Unlock()
	e.publish()
}

// Pause holds the send loop before its next chunk.
func (e *SendEngine) Pause() error {
	e.mu.Lock()
	if e.status.State != SendSending {
		e.mu.Unlock()
		return ErrNoTransfer
	}
	e.paused = true
	e.resume = make(chan struct{})
	e.status.State = SendPaused
	e.mu.Unlock()
	e.publish()
	return nil
}

// Resume continues a paused send.
func (e *SendEngine) Resume() error {
	e.mu.Lock()
	if e.status.State != SendPaused {
		e.mu.Unlock()
		return ErrNoTransfer
	}
	e.paused = false
	e.status.State = SendSending
	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}
	e.mu.Unlock()
	e.publish()
	return nil
}

// Cancel stops the send at its next checkpoint. The in-flight chunk is not interrupted.
func (e *SendEngine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.busyLocked() {
		return ErrNoTransfer
	}
	if !e.cancelled {
		e.cancelled = true
		close(e.cancel)
	}
	return nil
}

// HandleResponse delivers a response-transfer message.
func (e *SendEngine) HandleResponse(msg protocol.ChannelMessage) {
	e.mu.Lock()
	waiting := e.awaitResp
	e.mu.Unlock()
	if !waiting {
		e.logger.Warn("dropping unexpected response-transfer", "accepted", msg.Accepted)
		return
	}
	select {
	case e.responses <- msg:
	default:
		e.logger.Warn("dropping duplicate response-transfer")
	}
}

// HandleEOFAck delivers an eof-ack message.
func (e *SendEngine) HandleEOFAck() {
	e.mu.Lock()
	waiting := e.awaitAck
	e.mu.Unlock()
	if !waiting {
		e.logger.Warn("dropping unexpected eof-ack")
		return
	}
	select {
	case e.acks <- struct{}{}:
	default:
	}
}

// TransportLost marks the channel gone. An in-flight send ends in error.
func (e *SendEngine) TransportLost() {
	e.lostOnce.Do(func() {
		close(e.lost)
	})
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
