package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPeerActive is returned when removing the peer behind the open channel.
	ErrPeerActive = errors.New("identity: peer is currently connected")
	// ErrUnknownPeer is returned for operations on an id not in the trust list.
	ErrUnknownPeer = errors.New("identity: unknown peer")
	// ErrSelf is returned when the own device id is offered as a peer.
	ErrSelf = errors.New("identity: peer id equals own device id")
)

// DeviceIdentity is this installation's identifier and display name.
type DeviceIdentity struct {
	ID          string
	DisplayName string
}

// TrustedPeer is a device we completed a handshake with.
type TrustedPeer struct {
	ID              string
	Name            string
	Remark          string
	LastConnectedAt time.Time
	IsOnline        bool
}

// Label returns the remark when set, else the name.
func (p TrustedPeer) Label() string {
	if strings.TrimSpace(p.Remark) != "" {
		return p.Remark
	}
	return p.Name
}

// Persister stores identity and trust-list state.
type Persister interface {
	LoadIdentity() (DeviceIdentity, bool, error)
	SaveIdentity(DeviceIdentity) error
	LoadPeers() ([]TrustedPeer, error)
	SavePeer(TrustedPeer) error
	DeletePeer(id string) error
	ClearPeers() error
}

// Announcer re-sends presence after a rename.
type Announcer interface {
	Announce() error
}

// Options configures a Store.
type Options struct {
	Persister   Persister
	DefaultName string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Store owns the device identity and the trusted-peer list.
type Store struct {
	mu         sync.Mutex
	persist    Persister
	logger     *slog.Logger
	now        func() time.Time
	self       DeviceIdentity
	peers      map[string]*TrustedPeer
	announcer  Announcer
	activeID   string
	activeOpen func() bool
}

// Open loads persisted state, creating and saving a fresh identity when none exists.
func Open(opts Options) (*Store, error) {
	persist := opts.Persister
	if persist == nil {
		persist = NewMemoryPersister()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		persist: persist,
		logger:  logger,
		now:     now,
		peers:   make(map[string]*TrustedPeer),
	}

	self, ok, err := persist.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if !ok || self.ID == "" {
		self = DeviceIdentity{ID: uuid.NewString(), DisplayName: defaultName(opts.DefaultName)}
		if err := persist.SaveIdentity(self); err != nil {
			return nil, fmt.Errorf("save identity: %w", err)
		}
		logger.Info("created device identity", "id", self.ID)
	}
	s.self = self

	peers, err := persist.LoadPeers()
	if err != nil {
		return nil, fmt.Errorf("load trusted peers: %w", err)
	}
	for _, p := range peers {
		if p.ID == "" || p.ID == self.ID {
			continue
		}
		p := p
		p.IsOnline = false
		s.peers[p.ID] = &p
	}
	return s, nil
}

func defaultName(name string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	return "instadrop device"
}

// Identity returns the current device identity.
func (s *Store) Identity() DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// SetAnnouncer attaches the presence announcer used by Rename. nil detaches.
func (s *Store) SetAnnouncer(a Announcer) {
	s.mu.Lock()
	s.announcer = a
	s.mu.Unlock()
}

// Regenerate replaces the device id and clears the trust list. Peers are
// cleared first so a stored new id never sits next to the old trust list.
func (s *Store) Regenerate() (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist.ClearPeers(); err != nil {
		return DeviceIdentity{}, fmt.Errorf("clear trusted peers: %w", err)
	}
	s.peers = make(map[string]*TrustedPeer)
	s.activeID = ""
	s.activeOpen = nil

	next := DeviceIdentity{ID: uuid.NewString(), DisplayName: s.self.DisplayName}
	if err := s.persist.SaveIdentity(next); err != nil {
		return DeviceIdentity{}, fmt.Errorf("save identity: %w", err)
	}
	prev := s.self.ID
	s.self = next
	s.logger.Info("regenerated device identity", "old", prev, "new", next.ID)
	return next, nil
}

// Rename updates the display name and re-announces presence if an announcer is attached.
func (s *Store) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("identity: name is required")
	}
	s.mu.Lock()
	next := s.self
	next.DisplayName = name
	if err := s.persist.SaveIdentity(next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save identity: %w", err)
	}
	s.self = next
	announcer := s.announcer
	s.mu.Unlock()

	if announcer != nil {
		if err := announcer.Announce(); err != nil {
			s.logger.Warn("re-announce after rename failed", "err", err)
		}
	}
	return nil
}

// UpsertTrusted records a handshake with id. The remark of an existing peer is kept.
func (s *Store) UpsertTrusted(id, name string) (TrustedPeer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TrustedPeer{}, errors.New("identity: peer id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.self.ID {
		return TrustedPeer{}, ErrSelf
	}
	p, ok := s.peers[id]
	next := TrustedPeer{ID: id}
	if ok {
		next = *p
	}
	if name = strings.TrimSpace(name); name != "" {
		next.Name = name
	}
	next.LastConnectedAt = s.now()
	if err := s.persist.SavePeer(next); err != nil {
		return TrustedPeer{}, fmt.Errorf("save trusted peer: %w", err)
	}
	s.peers[id] = &next
	return next, nil
}

// SetRemark sets or clears the local remark of a trusted peer.
func (s *Store) SetRemark(id, remark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	next := *p
	next.Remark = strings.TrimSpace(remark)
	if err := s.persist.SavePeer(next); err != nil {
		return fmt.Errorf("save trusted peer: %w", err)
	}
	*p = next
	return nil
}

// Remove deletes a trusted peer unless it is the active peer with an open channel.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return ErrUnknownPeer
	}
	if id == s.activeID && s.activeOpen != nil && s.activeOpen() {
		return ErrPeerActive
	}
	if err := s.persist.DeletePeer(id); err != nil {
		return fmt.Errorf("delete trusted peer: %w", err)
	}
	delete(s.peers, id)
	return nil
}

// Peers returns a copy of the trust list, most recently connected first.
func (s *Store) Peers() []TrustedPeer {
	s.mu.Lock()
	out := make([]TrustedPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastConnectedAt.Equal(out[j].LastConnectedAt) {
			return out[i].LastConnectedAt.After(out[j].LastConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Peer returns one trusted peer.
func (s *Store) Peer(id string) (TrustedPeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return TrustedPeer{}, false
	}
	return *p, true
}

// PeerIDs returns the ids to include in a presence poll.
func (s *Store) PeerIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SetOnline applies a presence poll result. Peers missing from statuses are offline.
func (s *Store) SetOnline(statuses map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		p.IsOnline = statuses[id]
	}
}

// SetActivePeer records the peer behind the current channel.
func (s *Store) SetActivePeer(id string, channelOpen func() bool) {
	s.mu.Lock()
	s.activeID = id
	s.activeOpen = channelOpen
	s.mu.Unlock()
}

// ClearActivePeer forgets the current peer.
func (s *Store) ClearActivePeer() {
	s.mu.Lock()
	s.activeID = ""
	s.activeOpen = nil
	s.mu.Unlock()
}

// ActivePeer returns the id of the connected peer, if any.
func (s *Store) ActivePeer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.activeID != ""
}

// DisplayName prefers a stored remark over the announced name.
func (s *Store) DisplayName(id, announced string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		if label := p.Label(); label != "" {
			return label
		}
	}
	if announced != "" {
		return announced
	}
	return id
}
