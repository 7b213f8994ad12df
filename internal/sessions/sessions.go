// Package sessions indexes fetch sessions in a bbolt database so a
// client can resume partially downloaded content by name. Each record
// points at the reference tree, the state tree, and the cache file, and
// carries a BLAKE3 fingerprint of the reference so a resumed session
// notices when the reference on disk was swapped for another tree.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

// Buckets
var (
	bucketSessions = []byte("sessions")
)

// ErrNotFound reports a session name with no record.
var ErrNotFound = errors.New("session not found")

// Session is one tracked piece of content.
type Session struct {
	Name        string `json:"name"`
	OriginURL   string `json:"origin_url"`
	RefPath     string `json:"ref_path"`
	StatePath   string `json:"state_path"`
	CachePath   string `json:"cache_path"`
	ContentSize int64  `json:"content_size"`
	ChunkSize   int64  `json:"chunk_size"`
	RefPrint    string `json:"ref_fingerprint"` // BLAKE3 of the reference tree file, hex
}

// DB is a sessions database.
type DB struct{ *bbolt.DB }

// Open opens (creating if needed) the sessions database at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSessions)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// Close closes the database.
func (db *DB) Close() error { return db.DB.Close() }

// Put stores or replaces a session record.
func (db *DB) Put(s Session) error {
	if s.Name == "" {
		return errors.New("session name is empty")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(s.Name), data)
	})
}

// Get returns the session named name.
func (db *DB) Get(name string) (Session, error) {
	var s Session
	err := db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &s)
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// Remove deletes the session named name. Removing a missing session is
// not an error.
func (db *DB) Remove(name string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(name))
	})
}

// List returns all sessions sorted by name (bbolt iterates in key
// order).
func (db *DB) List() ([]Session, error) {
	var out []Session
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decode session %q: %w", k, err)
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

// Fingerprint computes the BLAKE3 digest of the file at path, hex
// encoded, for Session.RefPrint.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// VerifyFingerprint recomputes path's fingerprint and compares it to
// want. A mismatch means the reference tree changed since the session
// was recorded.
func VerifyFingerprint(path, want string) error {
	got, err := Fingerprint(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("reference tree %s changed since the session was created", path)
	}
	return nil
}
