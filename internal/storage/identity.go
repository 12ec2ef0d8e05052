package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sheerbytes/instadrop/internal/identity"
)

var _ identity.Persister = (*Store)(nil)

// LoadIdentity returns the stored device identity. ok is false when none exists yet.
func (s *Store) LoadIdentity() (identity.DeviceIdentity, bool, error) {
	var id identity.DeviceIdentity
	err := s.db.QueryRow(
		`SELECT device_id, device_name FROM device_identity WHERE slot = 1`,
	).Scan(&id.ID, &id.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.DeviceIdentity{}, false, nil
	}
	if err != nil {
		return identity.DeviceIdentity{}, false, fmt.Errorf("load identity: %w", err)
	}
	return id, true, nil
}

// SaveIdentity inserts or replaces the single identity row.
func (s *Store) SaveIdentity(id identity.DeviceIdentity) error {
	if id.ID == "" {
		return errors.New("device_id is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO device_identity (slot, device_id, device_name, created_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			device_id = excluded.device_id,
			device_name = excluded.device_name`,
		id.ID,
		id.DisplayName,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save identity %q: %w", id.ID, err)
	}
	return nil
}

// LoadPeers returns all trusted peers ordered by most recent connection.
func (s *Store) LoadPeers() ([]identity.TrustedPeer, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, remark, last_connected_at
		FROM trusted_peers
		ORDER BY last_connected_at DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted peers: %w", err)
	}
	defer rows.Close()

	peers := make([]identity.TrustedPeer, 0)
	for rows.Next() {
		var (
			p        identity.TrustedPeer
			lastSeen int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Remark, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan trusted peer row: %w", err)
		}
		if lastSeen > 0 {
			p.LastConnectedAt = time.UnixMilli(lastSeen)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted peer rows: %w", err)
	}
	return peers, nil
}

// SavePeer upserts a trusted peer. IsOnline is never stored.
func (s *Store) SavePeer(p identity.TrustedPeer) error {
	if p.ID == "" {
		return errors.New("device_id is required")
	}
	var lastSeen int64
	if !p.LastConnectedAt.IsZero() {
		lastSeen = p.LastConnectedAt.UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO trusted_peers (device_id, device_name, remark, last_connected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			remark = excluded.remark,
			last_connected_at = excluded.last_connected_at`,
		p.ID,
		p.Name,
		p.Remark,
		lastSeen,
	)
	if err != nil {
		return fmt.Errorf("save trusted peer %q: %w", p.ID, err)
	}
	return nil
}

// DeletePeer removes a trusted peer.
func (s *Store) DeletePeer(id string) error {
	res, err := s.db.Exec(`DELETE FROM trusted_peers WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove trusted peer %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearPeers drops the whole trust list.
func (s *Store) ClearPeers() error {
	if _, err := s.db.Exec(`DELETE FROM trusted_peers`); err != nil {
		return fmt.Errorf("clear trusted peers: %w", err)
	}
	return nil
}
