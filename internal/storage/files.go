package storage

import (
	"errors"
	"fmt"
	"time"
)

// ReceivedFile is one completed inbound transfer.
type ReceivedFile struct {
	ID         int64
	Name       string
	Path       string
	Size       int64
	PeerID     string
	ReceivedAt time.Time
}

// RecordReceivedFile appends a row to the received-file history.
func (s *Store) RecordReceivedFile(f ReceivedFile) (int64, error) {
	if f.Name == "" || f.Path == "" {
		return 0, errors.New("file name and path are required")
	}
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO received_files (file_name, stored_path, file_size, peer_id, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.Name,
		f.Path,
		f.Size,
		f.PeerID,
		f.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert received file %q: %w", f.Name, err)
	}
	return res.LastInsertId()
}

// ListReceivedFiles returns the newest received files first. limit <= 0 means all.
func (s *Store) ListReceivedFiles(limit int) ([]ReceivedFile, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, file_name, stored_path, file_size, peer_id, received_at
		FROM received_files
		ORDER BY received_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list received files: %w", err)
	}
	defer rows.Close()

	files := make([]ReceivedFile, 0)
	for rows.Next() {
		var (
			f  ReceivedFile
			at int64
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Path, &f.Size, &f.PeerID, &at); err != nil {
			return nil, fmt.Errorf("scan received file row: %w", err)
		}
		f.ReceivedAt = time.UnixMilli(at)
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate received file rows: %w", err)
	}
	return files, nil
}
