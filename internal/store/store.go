// Package store is the on-device durable state: the per-group sharing
// preference, the cached roster snapshot and the active identity. Values
// live in a single embedded SQLite file split into two buckets, mirroring
// the secure and general key/value stores of the mobile client.
package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/bwise1/groupbeacon/internal/model"
)

// Buckets. The secure bucket holds identity and preferences, the cache
// bucket holds replaceable snapshots.
const (
	BucketSecure = "secure"
	BucketCache  = "cache"
)

// Well-known keys. SecureStore-compatible: [A-Za-z0-9_.-], no colon.
const (
	KeyUserID      = "workerId"
	KeyActiveGroup = "activeGroupId"
	KeyAuthToken   = "authToken"
)

func persistKey(groupID string) string {
	return "sharePersistent_" + groupID
}

func rosterKey(groupID string) string {
	return "group_members_" + groupID
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    bucket TEXT NOT NULL,
    key    TEXT NOT NULL,
    value  BLOB NOT NULL,
    PRIMARY KEY (bucket, key)
);
`

// Store is the device key/value store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create store directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device store")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate device store")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, or "" when the key is absent. A missing
// key is not an error.
func (s *Store) Get(bucket, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s/%s", bucket, key)
	}
	return value, nil
}

// Set writes the value for key, replacing any previous value.
func (s *Store) Set(bucket, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value,
	)
	return errors.Wrapf(err, "failed to write %s/%s", bucket, key)
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(bucket, key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	return errors.Wrapf(err, "failed to delete %s/%s", bucket, key)
}

// SharingPreference reports whether sharing should auto-resume for the
// group on app restart.
func (s *Store) SharingPreference(groupID string) (bool, error) {
	v, err := s.Get(BucketSecure, persistKey(groupID))
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetSharingPreference persists the auto-resume flag for the group.
func (s *Store) SetSharingPreference(groupID string, persist bool) error {
	if !persist {
		return s.Delete(BucketSecure, persistKey(groupID))
	}
	return s.Set(BucketSecure, persistKey(groupID), "1")
}

// CachedRoster returns the last successfully stored roster snapshot for
// the group, or nil when none exists.
func (s *Store) CachedRoster(groupID string) ([]model.GroupMember, error) {
	v, err := s.Get(BucketCache, rosterKey(groupID))
	if err != nil || v == "" {
		return nil, err
	}
	var members []model.GroupMember
	if err := json.Unmarshal([]byte(v), &members); err != nil {
		return nil, errors.Wrap(err, "failed to decode cached roster")
	}
	return members, nil
}

// SetCachedRoster replaces the roster snapshot for the group.
func (s *Store) SetCachedRoster(groupID string, members []model.GroupMember) error {
	data, err := json.Marshal(members)
	if err != nil {
		return errors.Wrap(err, "failed to encode roster")
	}
	return s.Set(BucketCache, rosterKey(groupID), string(data))
}

// PurgeGroup removes everything persisted for the group: the sharing
// preference, the roster cache, and the active-group pointer when it still
// names this group. Called on group_deleted.
func (s *Store) PurgeGroup(groupID string) error {
	if err := s.Delete(BucketSecure, persistKey(groupID)); err != nil {
		return err
	}
	if err := s.Delete(BucketCache, rosterKey(groupID)); err != nil {
		return err
	}
	active, err := s.Get(BucketSecure, KeyActiveGroup)
	if err != nil {
		return err
	}
	if active == groupID {
		return s.Delete(BucketSecure, KeyActiveGroup)
	}
	return nil
}

// String key sugar for identity values.

func (s *Store) UserID() (string, error) {
	return s.Get(BucketSecure, KeyUserID)
}

func (s *Store) SetUserID(id string) error {
	return s.Set(BucketSecure, KeyUserID, id)
}

func (s *Store) ActiveGroup() (string, error) {
	return s.Get(BucketSecure, KeyActiveGroup)
}

func (s *Store) SetActiveGroup(id string) error {
	return s.Set(BucketSecure, KeyActiveGroup, id)
}

func (s *Store) AuthToken() (string, error) {
	return s.Get(BucketSecure, KeyAuthToken)
}

func (s *Store) SetAuthToken(token string) error {
	return s.Set(BucketSecure, KeyAuthToken, token)
}
// DefaultPath places the store under the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "groupbeacon.db"
	}
	return filepath.Join(dir, "groupbeacon", "device.db")
}
