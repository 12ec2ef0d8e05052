package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types sent as text frames over the direct channel.
// Binary frames carry raw file bytes with no header.
const (
	ChannelIdentityHandshake = "identity-handshake"
	ChannelRequestTransfer   = "request-transfer"
	ChannelResponseTransfer  = "response-transfer"
	ChannelMeta              = "meta"
	ChannelEOF               = "eof"
	ChannelEOFAck            = "eof-ack"
)

// ErrUnknownChannelMessage is returned by DecodeChannelMessage for a type it does not know.
var ErrUnknownChannelMessage = errors.New("unknown channel message type")

// ChannelMessage is the union of all direct-channel control messages. Only the
// fields relevant to Type are populated.
type ChannelMessage struct {
	Type string `json:"type"`

	// identity-handshake
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// response-transfer
	Accepted bool   `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// meta (Name is shared with the handshake)
	Size int64 `json:"size,omitempty"`
}

// IdentityHandshake builds the handshake announcing this device.
func IdentityHandshake(id, name string) ChannelMessage {
	return ChannelMessage{Type: ChannelIdentityHandshake, ID: id, Name: name}
}

// TransferResponse builds a response-transfer message.
func TransferResponse(accepted bool, reason string) ChannelMessage {
	return ChannelMessage{Type: ChannelResponseTransfer, Accepted: accepted, Reason: reason}
}

// FileMeta builds the meta message announcing the file that follows.
func FileMeta(name string, size int64) ChannelMessage {
	return ChannelMessage{Type: ChannelMeta, Name: name, Size: size}
}

// EncodeChannelMessage marshals m for a text frame.
func EncodeChannelMessage(m ChannelMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	return string(b), nil
}

// DecodeChannelMessage parses and validates a text frame.
func DecodeChannelMessage(data []byte) (ChannelMessage, error) {
	var m ChannelMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("unmarshal channel message: %w", err)
	}
	switch m.Type {
	case ChannelIdentityHandshake:
		if m.ID == "" {
			return m, errors.New("identity-handshake without id")
		}
	case ChannelMeta:
		if m.Name == "" {
			return m, errors.New("meta without name")
		}
		if m.Size < 0 {
			return m, fmt.Errorf("meta with negative size %d", m.Size)
		}
	case ChannelRequestTransfer, ChannelResponseTransfer, ChannelEOF, ChannelEOFAck:
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownChannelMessage, m.Type)
	}
	return m, nil
}
