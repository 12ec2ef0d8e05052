package relay

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/sheerbytes/instadrop/pkg/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrOwnRoom      = errors.New("cannot join your own room")
)

// Room pairs at most two connections. Members[0] created the room, or is
// the initiator of a direct pairing.
type Room struct {
	Code      string
	Direct    bool
	Members   []string
	CreatedAt time.Time
}

// Other returns the member that is not connID.
func (r Room) Other(connID string) (string, bool) {
	for _, m := range r.Members {
		if m != connID {
			return m, true
		}
	}
	return "", false
}

func (r Room) has(connID string) bool {
	for _, m := range r.Members {
		if m == connID {
			return true
		}
	}
	return false
}

// Rooms is a thread-safe in-memory room registry. A connection is a member
// of at most one room; entering a new room leaves the previous one.
type Rooms struct {
	mu     sync.Mutex
	byCode map[string]*Room
	byConn map[string]string // connID -> room code
	now    func() time.Time
}

func NewRooms() *Rooms {
	return &Rooms{
		byCode: make(map[string]*Room),
		byConn: make(map[string]string),
		now:    time.Now,
	}
}

// Create opens a room owned by connID. The room connID was in before, if any,
// is returned so its other member can be told.
func (s *Rooms) Create(connID string) (Room, *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := s.leaveLocked(connID)
	room := &Room{Code: s.uniqueCodeLocked(), Members: []string{connID}, CreatedAt: s.now()}
	s.byCode[room.Code] = room
	s.byConn[connID] = room.Code
	return *room, left
}

// Join adds connID as the second member of code.
func (s *Rooms) Join(code, connID string) (Room, *Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.byCode[code]
	if !ok || room.Direct {
		return Room{}, nil, ErrRoomNotFound
	}
	if room.has(connID) {
		return Room{}, nil, ErrOwnRoom
	}
	if len(room.Members) >= 2 {
		return Room{}, nil, ErrRoomFull
	}
	left := s.leaveLocked(connID)
	room.Members = append(room.Members, connID)
	s.byConn[connID] = code
	return *room, left, nil
}

// Pair opens a direct room for initiator and responder. Rooms either of them
// left are returned.
func (s *Rooms) Pair(initiator, responder string) (Room, []Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var left []Room
	for _, c := range []string{initiator, responder} {
		if r := s.leaveLocked(c); r != nil {
			left = append(left, *r)
		}
	}
	room := &Room{Code: s.uniqueCodeLocked(), Direct: true, Members: []string{initiator, responder}, CreatedAt: s.now()}
	s.byCode[room.Code] = room
	s.byConn[initiator] = room.Code
	s.byConn[responder] = room.Code
	return *room, left
}

// Leave removes connID from its room and deletes the room. The room as it was
// before deletion is returned.
func (s *Rooms) Leave(connID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.leaveLocked(connID)
	if r == nil {
		return Room{}, false
	}
	return *r, true
}

func (s *Rooms) leaveLocked(connID string) *Room {
	code, ok := s.byConn[connID]
	if !ok {
		return nil
	}
	room := s.byCode[code]
	delete(s.byCode, code)
	if room == nil {
		delete(s.byConn, connID)
		return nil
	}
	for _, m := range room.Members {
		delete(s.byConn, m)
	}
	return room
}

// Peer returns the other member of code when connID belongs to it.
func (s *Rooms) Peer(code, connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.byCode[code]
	if !ok || !room.has(connID) {
		return "", false
	}
	return room.Other(connID)
}

// Get returns a copy of the room with the given code.
func (s *Rooms) Get(code string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.byCode[code]
	if !ok {
		return Room{}, false
	}
	r := *room
	r.Members = append([]string(nil), room.Members...)
	return r, true
}

// Count returns the number of open rooms.
func (s *Rooms) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCode)
}

func (s *Rooms) uniqueCodeLocked() string {
	for {
		code := generateRoomCode()
		if _, exists := s.byCode[code]; !exists {
			return code
		}
	}
}

// generateRoomCode draws protocol.RoomCodeLength characters from the
// unambiguous alphabet.
func generateRoomCode() string {
	alphabet := protocol.RoomCodeAlphabet
	b := make([]byte, protocol.RoomCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "ABCDEF"
	}
	code := make([]byte, protocol.RoomCodeLength)
	for i := range b {
		code[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(code)
}
