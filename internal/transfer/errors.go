package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerRejected wraps every refusal of a transfer request. Use errors.As
	// with *RejectedError for the reason.
	ErrPeerRejected = errors.New("transfer: peer rejected the request")
	// ErrTransferCancelled reports a user cancel. The send state is idle, not error.
	ErrTransferCancelled = errors.New("transfer: cancelled")
	// ErrTransportLost reports the channel closing or failing mid-transfer.
	ErrTransportLost = errors.New("transfer: transport lost")
	// ErrBusy is returned when a send or receive is already in flight.
	ErrBusy = errors.New("transfer: a transfer is already in progress")
	// ErrChannelNotOpen is returned when the direct channel is not open.
	ErrChannelNotOpen = errors.New("transfer: channel is not open")
	// ErrNoTransfer is returned by Pause/Resume/Cancel with nothing in flight.
	ErrNoTransfer = errors.New("transfer: no active transfer")
)

// RejectedError carries the peer's reason for refusing a transfer.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrPeerRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPeerRejected.Error(), e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrPeerRejected
}
