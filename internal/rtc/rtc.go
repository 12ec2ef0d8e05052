// Package rtc puts the WebRTC peer connection and data channel behind small
// interfaces so the connection state machine and the transfer engines can run
// against pion in production and against in-memory mocks in tests.
package rtc

import (
	"github.com/pion/webrtc/v4"
)

// ChannelLabel names the single ordered data channel carrying the file protocol.
const ChannelLabel = "instadrop-file"

// DataChannel is the subset of *webrtc.DataChannel the transfer protocol uses.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// PeerConnection is the control surface of one WebRTC peer connection.
type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnDataChannel(f func(DataChannel))
	// SelectedRoute describes the nominated candidate pair, or "" before connect.
	SelectedRoute() string
	Close() error
}

// Factory creates peer connections configured with the given ICE servers.
type Factory interface {
	NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(iceServers []webrtc.ICEServer) (PeerConnection, error)

func (f FactoryFunc) NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error) {
	return f(iceServers)
}
