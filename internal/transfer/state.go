package transfer

import (
	"time"

	"github.com/sheerbytes/instadrop/pkg/protocol"
)

const (
	// ChunkSize is 64 KB; a 64 KiB frame would not fit pion's 65535-byte read buffer.
	ChunkSize = 64 * 1000
	// HighWaterMark is the buffered amount above which the sender stops queueing chunks.
	HighWaterMark = 1024 * 1024
	// LowWaterMark is the buffered-amount-low threshold that wakes a waiting sender.
	LowWaterMark = 256 * 1024

	RequestTimeout    = 5 * time.Second
	EOFAckTimeout     = 15 * time.Second
	PausePollInterval = 200 * time.Millisecond
	BackpressureDelay = 50 * time.Millisecond
	ProgressInterval  = 250 * time.Millisecond
	// ExpectMetaTimeout bounds how long an accepted request reserves the receiver.
	ExpectMetaTimeout = 5 * time.Second

	// BusyReason is sent when a request arrives during another transfer.
	BusyReason = "device busy"
	// TimedOutReason is reported when no response arrives in RequestTimeout.
	TimedOutReason = "timed out"
)

// Channel is the open direct channel as the engines use it.
type Channel interface {
	SendControl(msg protocol.ChannelMessage) error
	SendChunk(data []byte) error
	BufferedAmount() uint64
	// BufferedLow delivers a value whenever the buffered amount drops to LowWaterMark.
	BufferedLow() <-chan struct{}
	IsOpen() bool
	Close() error
}

// SendState is the sender state machine.
type SendState string

const (
	SendIdle    SendState = "idle"
	SendSending SendState = "sending"
	SendPaused  SendState = "paused"
	SendDone    SendState = "done"
	SendError   SendState = "error"
)

// Outcome is how one Send call ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// SendStatus is a snapshot of the sender.
type SendStatus struct {
	State   SendState
	Name    string
	Size    int64
	Offset  int64
	RateBps float64
	ETA     time.Duration
	Err     error
}

// ReceiveState is the receiver state machine.
type ReceiveState string

const (
	ReceiveIdle      ReceiveState = "idle"
	ReceiveReceiving ReceiveState = "receiving"
	ReceiveDone      ReceiveState = "done"
	ReceiveError     ReceiveState = "error"
)

// ReceiveStatus is a snapshot of the receiver.
type ReceiveStatus struct {
	State    ReceiveState
	Name     string
	Size     int64
	Received int64
	RateBps  float64
	ETA      time.Duration
	Path     string
	Err      error
}

// Received describes a finalized inbound file.
type Received struct {
	Name string
	Path string
	Size int64
}
