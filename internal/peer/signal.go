package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/instadrop/pkg/protocol"
)

func offerPayload(desc webrtc.SessionDescription) protocol.SignalPayload {
	return protocol.SignalPayload{
		Type:  protocol.SignalOffer,
		Offer: &protocol.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP},
	}
}

func answerPayload(desc webrtc.SessionDescription) protocol.SignalPayload {
	return protocol.SignalPayload{
		Type:   protocol.SignalAnswer,
		Answer: &protocol.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP},
	}
}

func candidatePayload(c webrtc.ICECandidateInit) protocol.SignalPayload {
	return protocol.SignalPayload{
		Type: protocol.SignalCandidate,
		Candidate: &protocol.IceCandidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		},
	}
}

func sessionDescription(kind string, d *protocol.SessionDescription) (webrtc.SessionDescription, error) {
	if d == nil || d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%s without sdp", kind)
	}
	typ := webrtc.NewSDPType(d.Type)
	if typ == webrtc.SDPTypeUnknown {
		typ = webrtc.NewSDPType(kind)
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}, nil
}

func candidateInit(c *protocol.IceCandidate) (webrtc.ICECandidateInit, error) {
	if c == nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("candidate payload is empty")
	}
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}, nil
}
