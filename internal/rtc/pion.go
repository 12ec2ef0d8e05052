package rtc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// PionFactory builds peer connections on pion/webrtc.
type PionFactory struct {
	Logger *slog.Logger
}

// DefaultSettingEngine returns the SettingEngine used for file channels.
// Data channels stay attached so messages arrive through OnMessage.
func DefaultSettingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(5*time.Second, 10*time.Second, 2*time.Second)
	return se
}

// NewPeerConnection creates a pion PeerConnection with the given ICE servers.
func (f PionFactory) NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(DefaultSettingEngine()))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeerConnection{pc: pc, logger: logger}, nil
}

type pionPeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger
}

func (p *pionPeerConnection) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return dc, nil
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	if route, err := CandidateRoute(c.Candidate); err == nil {
		p.logger.Debug("remote candidate", "route", route)
	}
	return p.pc.AddICECandidate(c)
}

func (p *pionPeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (p *pionPeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

func (p *pionPeerConnection) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *pionPeerConnection) SelectedRoute() string {
	sctp := p.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return ""
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Local == nil || pair.Remote == nil {
		return ""
	}
	return fmt.Sprintf("%s %s:%d -> %s %s:%d",
		pair.Local.Typ, pair.Local.Address, pair.Local.Port,
		pair.Remote.Typ, pair.Remote.Address, pair.Remote.Port)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
