package protocol

// DeviceOnline announces this device to the relay.
type DeviceOnline struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// RoomCreated carries the code assigned by create-room.
type RoomCreated struct {
	RoomCode string `json:"roomCode"`
}

// JoinRoom asks to join the room with the given code.
type JoinRoom struct {
	RoomCode string `json:"roomCode"`
}

// JoinSuccess confirms a join.
type JoinSuccess struct {
	RoomCode string `json:"roomCode"`
}

// ErrorMessage is the payload of join-error and direct-connection-error.
type ErrorMessage struct {
	Message string `json:"message"`
}

// RequestDirectConnection asks the relay to pair this device with a trusted one.
type RequestDirectConnection struct {
	TargetDeviceID string `json:"targetDeviceId"`
}

// DirectConnectionReady tells each side of a pairing its room and role.
type DirectConnectionReady struct {
	RoomID         string `json:"roomId"`
	Role           string `json:"role"`
	PeerDeviceID   string `json:"peerDeviceId"`
	PeerDeviceName string `json:"peerDeviceName"`
}

// CheckOnlineStatus asks which of the listed devices are connected to the relay.
type CheckOnlineStatus struct {
	DeviceIDs []string `json:"deviceIds"`
}

// OnlineStatus answers CheckOnlineStatus.
type OnlineStatus struct {
	Statuses map[string]bool `json:"statuses"`
}

// PeerJoined tells the room creator that someone joined.
type PeerJoined struct {
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
}

// PeerDisconnected tells a room member that the other side left.
type PeerDisconnected struct {
	DeviceID string `json:"deviceId,omitempty"`
}

// Signal is relayed verbatim to the other member of RoomCode.
type Signal struct {
	RoomCode string        `json:"roomCode"`
	Payload  SignalPayload `json:"payload"`
}

// SignalPayload is an offer, answer or candidate. The relay never interprets it.
type SignalPayload struct {
	Type      string              `json:"type"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *IceCandidate       `json:"candidate,omitempty"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate mirrors the browser RTCIceCandidateInit shape.
type IceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
