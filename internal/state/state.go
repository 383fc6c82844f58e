package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.walletlink/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// The session secret is stored in it.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket  = []byte("app")
	sessionKey = []byte("session")
)

func metadataBucket(sessionID string) []byte {
	return []byte("session:" + sessionID + ":metadata")
}

// SessionRecord is the persisted pairing. Secret never leaves the local
// machine; only the derived Key is sent to the relay.
type SessionRecord struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

// State wraps a bbolt database for the client's persistent state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns the stored session, or nil if none has been created.
func (s *State) Session() (*SessionRecord, error) {
	var rec *SessionRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		rec = &SessionRecord{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	return rec, nil
}

// SetSession persists rec as the current session.
func (s *State) SetSession(rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// ClearSession removes the current session and its cached metadata.
// Used after the wallet requests a reset. A missing session is not an
// error.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(sessionKey)
		if v == nil {
			return nil
		}

		var rec SessionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}

		if err := tx.DeleteBucket(metadataBucket(rec.ID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("deleting metadata: %w", err)
		}

		return b.Delete(sessionKey)
	})
}

// Metadata returns the last applied metadata values for a session.
func (s *State) Metadata(sessionID string) (map[string]string, error) {
	result := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket(sessionID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})

	return result, err
}

// SetMetadata records the latest value of a metadata key.
func (s *State) SetMetadata(sessionID, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metadataBucket(sessionID))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), []byte(value))
	})
}
