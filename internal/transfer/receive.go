package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/instadrop/internal/localfs"
	"github.com/sheerbytes/instadrop/internal/progress"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

const writeQueueDepth = 256

// ReceiveOptions configures a ReceiveEngine.
type ReceiveOptions struct {
	Logger  *slog.Logger
	SaveDir string

	// OnUpdate observes progress, throttled to ProgressInterval, plus every state change.
	OnUpdate func(ReceiveStatus)

	// OnCompleted runs after a file is finalized and before eof-ack is sent.
	OnCompleted func(Received)

	Now func() time.Time
}

type writeItem struct {
	data     []byte
	finalize bool
}

// receiveJob is one inbound file and its ordered write queue.
type receiveJob struct {
	handle    *localfs.Receive
	queue     chan writeItem
	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
	enqueued  int64
	sealed    bool
	throttle  rate.Sometimes
}

// ReceiveEngine reconstructs inbound files from meta, chunk and eof messages.
type ReceiveEngine struct {
	ch          Channel
	logger      *slog.Logger
	saveDir     string
	onUpdate    func(ReceiveStatus)
	onCompleted func(Received)
	now         func() time.Time
	meter       *progress.Meter

	mu          sync.Mutex
	status      ReceiveStatus
	job         *receiveJob
	expectUntil time.Time
	lost        bool
}

func NewReceiveEngine(ch Channel, opts ReceiveOptions) *ReceiveEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ReceiveEngine{
		ch:          ch,
		logger:      logger,
		saveDir:     opts.SaveDir,
		onUpdate:    opts.OnUpdate,
		onCompleted: opts.OnCompleted,
		now:         now,
		meter:       progress.NewMeterWithNow(now),
		status:      ReceiveStatus{State: ReceiveIdle},
	}
}

// Status returns the current receiver snapshot.
func (e *ReceiveEngine) Status() ReceiveStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	if st.State == ReceiveReceiving {
		snap := e.meter.Snapshot()
		st.RateBps = snap.RateBps
		st.ETA = snap.ETA
	}
	return st
}

// Busy reports a receive in flight or an accepted request still waiting for its meta.
func (e *ReceiveEngine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyLocked()
}

func (e *ReceiveEngine) busyLocked() bool {
	if e.status.State == ReceiveReceiving {
		return true
	}
	return !e.expectUntil.IsZero() && e.now().Before(e.expectUntil)
}

// TryExpect reserves the receiver for an accepted request. It returns false
// when a receive is already in flight or reserved.
func (e *ReceiveEngine) TryExpect() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busyLocked() {
		return false
	}
	e.expectUntil = e.now().Add(ExpectMetaTimeout)
	return true
}

// Release drops a reservation taken by TryExpect that was not used.
func (e *ReceiveEngine) Release() {
	e.mu.Lock()
	e.expectUntil = time.Time{}
	e.mu.Unlock()
}

func (e *ReceiveEngine) publish() {
	if e.onUpdate == nil {
		return
	}
	e.onUpdate(e.Status())
}

// HandleMeta starts a new inbound file.
func (e *ReceiveEngine) HandleMeta(name string, size int64) {
	e.mu.Lock()
	e.expectUntil = time.Time{}
	if e.lost {
		e.mu.Unlock()
		return
	}
	if prev := e.job; prev != nil && !prev.sealed {
		e.logger.Warn("meta while receiving, abandoning previous file", "file", e.status.Name)
		prev.stop()
	}
	e.job = nil

	handle, err := localfs.StartReceive(name, size, e.saveDir)
	if err != nil {
		e.status = ReceiveStatus{State: ReceiveError, Name: name, Size: size, Err: err}
		e.mu.Unlock()
		e.logger.Warn("cannot start receive", "file", name, "err", err)
		e.publish()
		return
	}
	job := &receiveJob{
		handle:   handle,
		queue:    make(chan writeItem, writeQueueDepth),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
		throttle: rate.Sometimes{Interval: ProgressInterval},
	}
	e.job = job
	e.status = ReceiveStatus{State: ReceiveReceiving, Name: handle.Name(), Size: size}
	e.meter.Start(size)
	e.mu.Unlock()

	e.logger.Info("receiving file", "file", handle.Name(), "size", size)
	e.publish()
	go e.writeLoop(job)
}

// HandleChunk queues a binary frame for the current file.
func (e *ReceiveEngine) HandleChunk(data []byte) {
	e.mu.Lock()
	job := e.job
	if job == nil || job.sealed {
		e.mu.Unlock()
		e.logger.Warn("dropping chunk without active meta", "bytes", len(data))
		return
	}
	if job.enqueued+int64(len(data)) > job.handle.Size() {
		e.mu.Unlock()
		e.logger.Warn("dropping chunk past announced size", "file", job.handle.Name(), "bytes", len(data))
		return
	}
	job.enqueued += int64(len(data))
	e.mu.Unlock()
	job.push(writeItem{data: data})
}

// HandleEOF queues finalization after every chunk already queued.
func (e *ReceiveEngine) HandleEOF() {
	e.mu.Lock()
	job := e.job
	if job == nil || job.sealed {
		e.mu.Unlock()
		e.logger.Warn("dropping eof without active meta")
		return
	}
	job.sealed = true
	e.mu.Unlock()
	job.push(writeItem{finalize: true})
}

// TransportLost aborts an unsealed receive. A receive whose eof already
// arrived still finalizes, since every byte is queued.
func (e *ReceiveEngine) TransportLost() {
	e.mu.Lock()
	e.lost = true
	e.expectUntil = time.Time{}
	job := e.job
	if job == nil || job.sealed {
		e.mu.Unlock()
		return
	}
	job.sealed = true
	e.mu.Unlock()
	job.stop()
}

// Wait blocks until the current write loop exits. Used by tests and shutdown.
func (e *ReceiveEngine) Wait() {
	e.mu.Lock()
	job := e.job
	e.mu.Unlock()
	if job != nil {
		<-job.done
	}
}

func (j *receiveJob) push(item writeItem) {
	select {
	case j.queue <- item:
	case <-j.abort:
	}
}

func (j *receiveJob) stop() {
	j.abortOnce.Do(func() { close(j.abort) })
}

func (e *ReceiveEngine) writeLoop(job *receiveJob) {
	defer close(job.done)
	for {
		select {
		case <-job.abort:
			e.abortJob(job, ErrTransportLost)
			return
		default:
		}
		var item writeItem
		select {
		case item = <-job.queue:
		case <-job.abort:
			e.abortJob(job, ErrTransportLost)
			return
		}
		if item.finalize {
			e.finalizeJob(job)
			return
		}
		if err := job.handle.Append(item.data); err != nil {
			e.abortJob(job, fmt.Errorf("write chunk: %w", err))
			return
		}
		written := job.handle.Written()
		e.mu.Lock()
		if e.job == job {
			e.status.Received = written
		}
		e.mu.Unlock()
		e.meter.Observe(written)
		job.throttle.Do(e.publish)
	}
}

func (e *ReceiveEngine) abortJob(job *receiveJob, err error) {
	job.handle.Abort()
	e.mu.Lock()
	current := e.job == job
	if current {
		e.status.State = ReceiveError
		e.status.Err = err
	}
	e.mu.Unlock()
	if !current {
		return
	}
	e.logger.Warn("receive aborted", "file", job.handle.Name(), "err", err)
	e.publish()
}

func (e *ReceiveEngine) finalizeJob(job *receiveJob) {
	if err := job.handle.Finish(); err != nil {
		e.mu.Lock()
		if e.job == job {
			e.status.State = ReceiveError
			e.status.Err = err
		}
		e.mu.Unlock()
		if errors.Is(err, localfs.ErrSizeMismatch) {
			e.logger.Warn("eof before announced size, discarding file", "file", job.handle.Name(), "err", err)
		} else {
			e.logger.Warn("finalize failed", "file", job.handle.Name(), "err", err)
		}
		e.publish()
		return
	}

	done := Received{Name: job.handle.Name(), Path: job.handle.Path(), Size: job.handle.Size()}
	e.mu.Lock()
	if e.job == job {
		e.status.State = ReceiveDone
		e.status.Name = done.Name
		e.status.Path = done.Path
		e.status.Received = done.Size
	}
	e.mu.Unlock()
	e.logger.Info("file received", "file", done.Name, "path", done.Path, "size", done.Size)

	if e.onCompleted != nil {
		e.onCompleted(done)
	}
	if err := e.ch.SendControl(protocol.ChannelMessage{Type: protocol.ChannelEOFAck}); err != nil {
		e.logger.Debug("eof-ack not sent", "err", err)
	}
	e.publish()
}
