// Package relay is the reference signaling relay: device presence, room
// codes, direct pairing of online devices and verbatim signal forwarding.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/instadrop/pkg/protocol"
)

const (
	maxMessageBytes = 256 * 1024
	idleTimeout     = 10 * time.Minute
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
)

// Server serves /ws and /health.
type Server struct {
	hub      *Hub
	rooms    *Rooms
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    NewHub(),
		rooms:  NewRooms(),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":          true,
		"connections": s.hub.Count(),
		"rooms":       s.rooms.Count(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	var writeMu sync.Mutex
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		writeMu.Unlock()
		return err
	})

	connID := protocol.NewMsgID()
	logger := s.logger.With("conn_id", connID)

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}
	remove := s.hub.Add(connID, sendFunc)
	defer func() {
		s.leaveRoom(connID)
		remove()
		logger.Info("connection closed")
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
			}
		}
	}()

	logger.Info("connection opened", "remote", clientIP(r))

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "err", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "err", err)
			continue
		}
		s.dispatch(connID, env, logger)
	}
}

func (s *Server) dispatch(connID string, env protocol.Envelope, logger *slog.Logger) {
	switch env.Type {
	case protocol.TypeDeviceOnline:
		var p protocol.DeviceOnline
		if err := env.DecodePayload(&p); err != nil || p.DeviceID == "" {
			logger.Warn("bad device-online", "err", err)
			return
		}
		if replaced := s.hub.Register(connID, p.DeviceID, p.DeviceName); replaced != "" {
			logger.Info("device moved to a new connection", "device_id", p.DeviceID, "previous", replaced)
		}
		logger.Info("device online", "device_id", p.DeviceID, "name", p.DeviceName)

	case protocol.TypeCreateRoom:
		room, left := s.rooms.Create(connID)
		if left != nil {
			s.notifyLeft(*left, connID)
		}
		s.reply(connID, protocol.TypeRoomCreated, protocol.RoomCreated{RoomCode: room.Code})
		logger.Info("room created", "room", room.Code)

	case protocol.TypeJoinRoom:
		var p protocol.JoinRoom
		if err := env.DecodePayload(&p); err != nil {
			s.reply(connID, protocol.TypeJoinError, protocol.ErrorMessage{Message: "malformed join request"})
			return
		}
		room, left, err := s.rooms.Join(p.RoomCode, connID)
		if err != nil {
			s.reply(connID, protocol.TypeJoinError, protocol.ErrorMessage{Message: err.Error()})
			return
		}
		if left != nil {
			s.notifyLeft(*left, connID)
		}
		s.reply(connID, protocol.TypeJoinSuccess, protocol.JoinSuccess{RoomCode: room.Code})
		id, name, _ := s.hub.Device(connID)
		s.reply(room.Members[0], protocol.TypePeerJoined, protocol.PeerJoined{DeviceID: id, DeviceName: name})
		logger.Info("room joined", "room", room.Code)

	case protocol.TypeRequestDirectConnection:
		s.pair(connID, env, logger)

	case protocol.TypeCheckOnlineStatus:
		var p protocol.CheckOnlineStatus
		if err := env.DecodePayload(&p); err != nil {
			logger.Warn("bad check-online-status", "err", err)
			return
		}
		s.reply(connID, protocol.TypeOnlineStatus, protocol.OnlineStatus{Statuses: s.hub.Online(p.DeviceIDs)})

	case protocol.TypeSignal:
		var p protocol.Signal
		if err := env.DecodePayload(&p); err != nil {
			logger.Warn("bad signal", "err", err)
			return
		}
		other, ok := s.rooms.Peer(p.RoomCode, connID)
		if !ok {
			logger.Warn("signal for a room without a peer", "room", p.RoomCode, "kind", p.Payload.Type)
			return
		}
		out := env
		out.From, _, _ = s.hub.Device(connID)
		if !s.hub.SendTo(other, out) {
			logger.Warn("signal dropped", "room", p.RoomCode)
		}

	default:
		logger.Warn("unknown event type", "type", env.Type)
	}
}

func (s *Server) pair(connID string, env protocol.Envelope, logger *slog.Logger) {
	var p protocol.RequestDirectConnection
	if err := env.DecodePayload(&p); err != nil || p.TargetDeviceID == "" {
		s.reply(connID, protocol.TypeDirectConnectionError, protocol.ErrorMessage{Message: "malformed request"})
		return
	}
	selfID, selfName, ok := s.hub.Device(connID)
	if !ok {
		s.reply(connID, protocol.TypeDirectConnectionError, protocol.ErrorMessage{Message: "announce this device first"})
		return
	}
	if p.TargetDeviceID == selfID {
		s.reply(connID, protocol.TypeDirectConnectionError, protocol.ErrorMessage{Message: "cannot connect to yourself"})
		return
	}
	target, ok := s.hub.ConnForDevice(p.TargetDeviceID)
	if !ok {
		s.reply(connID, protocol.TypeDirectConnectionError, protocol.ErrorMessage{Message: "device is offline"})
		return
	}
	_, targetName, _ := s.hub.Device(target)

	room, left := s.rooms.Pair(connID, target)
	for _, r := range left {
		s.notifyLeft(r, connID, target)
	}
	s.reply(connID, protocol.TypeDirectConnectionReady, protocol.DirectConnectionReady{
		RoomID:         room.Code,
		Role:           protocol.RoleInitiator,
		PeerDeviceID:   p.TargetDeviceID,
		PeerDeviceName: targetName,
	})
	s.reply(target, protocol.TypeDirectConnectionReady, protocol.DirectConnectionReady{
		RoomID:         room.Code,
		Role:           protocol.RoleResponder,
		PeerDeviceID:   selfID,
		PeerDeviceName: selfName,
	})
	logger.Info("direct pairing", "room", room.Code, "target", p.TargetDeviceID)
}

func (s *Server) leaveRoom(connID string) {
	if room, ok := s.rooms.Leave(connID); ok {
		s.notifyLeft(room, connID)
	}
}

// notifyLeft tells members of a closed room, other than skip, that their
// peer is gone.
func (s *Server) notifyLeft(room Room, skip ...string) {
	leaver, _, _ := s.hub.Device(skip[0])
	for _, m := range room.Members {
		if contains(skip, m) {
			continue
		}
		s.reply(m, protocol.TypePeerDisconnected, protocol.PeerDisconnected{DeviceID: leaver})
	}
}

func (s *Server) reply(connID, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.logger.Error("failed to create envelope", "type", msgType, "err", err)
		return
	}
	env.From = "server"
	if !s.hub.SendTo(connID, env) {
		s.logger.Warn("reply dropped", "type", msgType, "conn_id", connID)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
