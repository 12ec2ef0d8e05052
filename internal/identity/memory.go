package identity

import "sync"

// MemoryPersister keeps state in process memory.
type MemoryPersister struct {
	mu    sync.Mutex
	self  DeviceIdentity
	has   bool
	peers map[string]TrustedPeer
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{peers: make(map[string]TrustedPeer)}
}

func (m *MemoryPersister) LoadIdentity() (DeviceIdentity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self, m.has, nil
}

func (m *MemoryPersister) SaveIdentity(id DeviceIdentity) error {
	m.mu.Lock()
	m.self = id
	m.has = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersister) LoadPeers() ([]TrustedPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrustedPeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryPersister) SavePeer(p TrustedPeer) error {
	m.mu.Lock()
	p.IsOnline = false
	m.peers[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersister) DeletePeer(id string) error {
	m.mu.Lock()
	delete(m.peers, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersister) ClearPeers() error {
	m.mu.Lock()
	m.peers = make(map[string]TrustedPeer)
	m.mu.Unlock()
	return nil
}
