package relay

import (
	"sync"
	"time"

	"github.com/sheerbytes/instadrop/pkg/protocol"
)

// client is one websocket connection and its queued writes.
type client struct {
	connID     string
	deviceID   string
	deviceName string
	send       chan protocol.Envelope
	done       chan struct{}
}

// Hub tracks live connections and which device each one announced.
// Duplicate device IDs use last-write-wins: the most recent announcement
// owns the device.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client // connID -> client
	devices map[string]string  // deviceID -> connID
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		devices: make(map[string]string),
	}
}

// Add registers a connection and starts its writer. The returned function
// unregisters it and releases its device ID if it still owns it.
func (h *Hub) Add(connID string, send func(env protocol.Envelope) error) (remove func()) {
	c := &client{
		connID: connID,
		send:   make(chan protocol.Envelope, 256),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		for env := range c.send {
			if err := send(env); err != nil {
				// drain so SendTo never blocks on a dead writer
				for range c.send {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, connID)
			if c.deviceID != "" && h.devices[c.deviceID] == connID {
				delete(h.devices, c.deviceID)
			}
			close(c.send)
			h.mu.Unlock()

			select {
			case <-c.done:
			case <-time.After(time.Second):
			}
		})
	}
}

// Register binds deviceID to connID. A previous connection announcing the
// same device loses it; its connID is returned.
func (h *Hub) Register(connID, deviceID, deviceName string) (replaced string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return ""
	}
	if c.deviceID != "" && c.deviceID != deviceID && h.devices[c.deviceID] == connID {
		delete(h.devices, c.deviceID)
	}
	if prev, exists := h.devices[deviceID]; exists && prev != connID {
		replaced = prev
		if old, ok := h.clients[prev]; ok {
			old.deviceID = ""
			old.deviceName = ""
		}
	}
	c.deviceID = deviceID
	c.deviceName = deviceName
	h.devices[deviceID] = connID
	return replaced
}

// Device returns what connID announced.
func (h *Hub) Device(connID string) (id, name string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, exists := h.clients[connID]
	if !exists || c.deviceID == "" {
		return "", "", false
	}
	return c.deviceID, c.deviceName, true
}

// ConnForDevice returns the connection currently owning deviceID.
func (h *Hub) ConnForDevice(deviceID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connID, ok := h.devices[deviceID]
	return connID, ok
}

// Online reports, for each id, whether a connection owns it.
func (h *Hub) Online(ids []string) map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := h.devices[id]
		out[id] = ok
	}
	return out
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendTo queues env for connID. It returns false when the connection is gone
// or its queue is full.
func (h *Hub) SendTo(connID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}
