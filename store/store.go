// Package store persists the engine's known-peer records in SQLite: identity
// key pins for trust-on-first-use verification and last known endpoints for
// reconnects. Chat message and media persistence is a collaborator concern
// and does not live here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS known_peers (
  peer_id         TEXT PRIMARY KEY,
  display_name    TEXT NOT NULL,
  public_key      TEXT NOT NULL,
  key_fingerprint TEXT NOT NULL,
  last_host       TEXT,
  last_port       INTEGER,
  added_at        INTEGER NOT NULL,
  last_seen_at    INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_known_peers_last_seen
ON known_peers (last_seen_at DESC, peer_id);
`,
}

// KnownPeer is one persisted peer record.
type KnownPeer struct {
	PeerID         string
	DisplayName    string
	PublicKey      string
	KeyFingerprint string
	LastHost       string
	LastPort       int
	AddedAt        int64
	LastSeenAt     int64
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the peer database at the given path and runs migrations.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *Store) applyMigrations() error {
	for i, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

// UpsertPeer inserts or refreshes a known peer record.
func (s *Store) UpsertPeer(peer KnownPeer) error {
	if peer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if peer.PublicKey == "" {
		return errors.New("public_key is required")
	}
	if peer.AddedAt == 0 {
		peer.AddedAt = time.Now().UnixMilli()
	}
	if peer.LastSeenAt == 0 {
		peer.LastSeenAt = peer.AddedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO known_peers (
			peer_id, display_name, public_key, key_fingerprint,
			last_host, last_port, added_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			key_fingerprint = excluded.key_fingerprint,
			last_host = excluded.last_host,
			last_port = excluded.last_port,
			last_seen_at = excluded.last_seen_at`,
		peer.PeerID,
		peer.DisplayName,
		peer.PublicKey,
		peer.KeyFingerprint,
		nullString(peer.LastHost),
		nullInt(peer.LastPort),
		peer.AddedAt,
		peer.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.PeerID, err)
	}
	return nil
}

// GetPeer fetches a known peer by id.
func (s *Store) GetPeer(peerID string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, display_name, public_key, key_fingerprint,
			last_host, last_port, added_at, last_seen_at
		FROM known_peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListPeers returns all known peers, most recently seen first.
func (s *Store) ListPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, public_key, key_fingerprint,
			last_host, last_port, added_at, last_seen_at
		FROM known_peers
		ORDER BY last_seen_at DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []KnownPeer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		out = append(out, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return out, nil
}

// UpdateEndpoint records the last endpoint a peer connected from.
func (s *Store) UpdateEndpoint(peerID, host string, port int, seenAt int64) error {
	result, err := s.db.Exec(
		`UPDATE known_peers
		SET last_host = ?, last_port = ?, last_seen_at = ?
		WHERE peer_id = ?`,
		nullString(host), nullInt(port), seenAt, peerID,
	)
	if err != nil {
		return fmt.Errorf("update endpoint for %q: %w", peerID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update endpoint for %q: %w", peerID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemovePeer deletes a known peer record.
func (s *Store) RemovePeer(peerID string) error {
	result, err := s.db.Exec(`DELETE FROM known_peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", peerID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", peerID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PinnedKey returns the stored public key for a peer, or empty if unknown.
func (s *Store) PinnedKey(peerID string) (string, error) {
	peer, err := s.GetPeer(peerID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return peer.PublicKey, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*KnownPeer, error) {
	var peer KnownPeer
	var lastHost sql.NullString
	var lastPort, lastSeen sql.NullInt64

	if err := row.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.PublicKey,
		&peer.KeyFingerprint,
		&lastHost,
		&lastPort,
		&peer.AddedAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	peer.LastHost = lastHost.String
	peer.LastPort = int(lastPort.Int64)
	peer.LastSeenAt = lastSeen.Int64
	return &peer, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int) any {
	if value <= 0 {
		return nil
	}
	return value
}
