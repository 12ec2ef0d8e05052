package protocol

// Signaling event types exchanged with the relay.
const (
	TypeDeviceOnline            = "device-online"
	TypeCreateRoom              = "create-room"
	TypeRoomCreated             = "room-created"
	TypeJoinRoom                = "join-room"
	TypeJoinSuccess             = "join-success"
	TypeJoinError               = "join-error"
	TypeRequestDirectConnection = "request-direct-connection"
	TypeDirectConnectionReady   = "direct-connection-ready"
	TypeDirectConnectionError   = "direct-connection-error"
	TypeCheckOnlineStatus       = "check-online-status"
	TypeOnlineStatus            = "online-status"
	TypeSignal                  = "signal"
	TypePeerJoined              = "peer-joined"
	TypePeerDisconnected        = "peer-disconnected"
)

// Signal payload kinds carried inside a signal envelope.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Roles assigned to the two ends of a room.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// Room codes are RoomCodeLength characters drawn from RoomCodeAlphabet.
// The alphabet leaves out the ambiguous characters O, 0, I and 1.
const (
	RoomCodeLength   = 6
	RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ValidRoomCode reports whether code is well formed. It does not check that
// the room exists.
func ValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !containsByte(RoomCodeAlphabet, code[i]) {
			return false
		}
	}
	return true
}

func containsByte(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}
