// Package state persists the client state that survives a restart: the
// session cookie, the signed-in user and the last active conversation.
// Messages are never persisted.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")

	sessionKey = []byte("session")
	userKey    = []byte("user")
	activeKey  = []byte("active_conversation")
)

// State wraps a bbolt database for persistent client state.
type State struct {
	db *bolt.DB
}

// LoadAt opens the state database at path, creating it and its directory
// if needed.
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

// Session returns the cached session cookie value, or empty string.
func (s *State) Session() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(sessionKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetSession persists the session cookie value and the user it belongs
// to.
func (s *State) SetSession(id string, u models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if err := b.Put(sessionKey, []byte(id)); err != nil {
			return err
		}

		return b.Put(userKey, data)
	})
}

// User returns the user of the cached session, or nil.
func (s *State) User() (*models.User, error) {
	var u *models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(userKey)
		if v == nil {
			return nil
		}

		u = &models.User{}

		return json.Unmarshal(v, u)
	})

	return u, err
}

// ClearSession forgets the session cookie and user. The active
// conversation is kept.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if err := b.Delete(sessionKey); err != nil {
			return err
		}

		return b.Delete(userKey)
	})
}

// ActiveConversation returns the last active conversation, or the zero
// key.
func (s *State) ActiveConversation() (models.ConversationKey, error) {
	var raw string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(activeKey); v != nil {
			raw = string(v)
		}

		return nil
	})

	return models.ParseConversationKey(raw)
}

// SetActiveConversation persists key. The zero key clears it.
func (s *State) SetActiveConversation(key models.ConversationKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if key.IsZero() {
			return b.Delete(activeKey)
		}

		return b.Put(activeKey, []byte(key.String()))
	})
}

// Clear removes all persisted state.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(appBucket)

		return err
	})
}
