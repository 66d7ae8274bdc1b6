// Package store wraps the embedded BoltDB database that persists the watch
// registry, per-task event history, runtime settings, and API tokens.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/SolaceLabs/taskwatch/internal/auth"
)

var (
	bucketSubscriptions = []byte("subscriptions")
	bucketHistory       = []byte("history")
	bucketSettings      = []byte("settings")
	bucketAPITokens     = []byte("api_tokens")
)

// subscriptionsKey is the single well-known key the serialized descriptor
// set lives under.
var subscriptionsKey = []byte("registered")

// EventRecord is one persisted task event, kept for the history API.
type EventRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Store wraps a BoltDB database for taskwatch persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSubscriptions, bucketHistory, bucketSettings, bucketAPITokens} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSubscriptions persists the serialized descriptor set.
func (s *Store) SaveSubscriptions(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.Put(subscriptionsKey, data)
	})
}

// LoadSubscriptions returns the serialized descriptor set.
// Returns nil, nil if nothing has been saved yet.
func (s *Store) LoadSubscriptions() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		v := b.Get(subscriptionsKey)
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// AppendEvent records a task event in the history bucket and trims that
// task's history to keep entries in the same transaction.
// Key format: "{taskID}::{RFC3339Nano}" for chronological ordering.
func (s *Store) AppendEvent(rec EventRecord, keep int) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		key := []byte(fmt.Sprintf("%s::%s", rec.TaskID, rec.Timestamp.UTC().Format(time.RFC3339Nano)))
		if err := b.Put(key, data); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}

		// Count this task's entries; delete oldest past the cap.
		prefix := []byte(rec.TaskID + "::")
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-keep; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEvents returns the most recent events for a task, newest first,
// up to limit.
func (s *Store) ListEvents(taskID string, limit int) ([]EventRecord, error) {
	var records []EventRecord
	prefix := []byte(taskID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()

		// Seek just past the end of this task's key range, then walk
		// backwards. The range ends at taskID + "::;" (';' is one byte
		// after ':' in ASCII).
		k, v := c.Seek([]byte(taskID + "::;"))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		for ; k != nil && len(records) < limit; k, v = c.Prev() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var rec EventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// DeleteEvents removes all history for a task. Returns the number removed.
func (s *Store) DeleteEvents(taskID string) (int, error) {
	prefix := []byte(taskID + "::")
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// SaveSetting stores a runtime setting.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.Put([]byte(key), []byte(value))
	})
}

// LoadSetting reads a runtime setting. Returns "" if unset.
func (s *Store) LoadSetting(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

// ---- API token persistence (implements auth.TokenStore) ----

func apiTokenHashIndexKey(hash string) []byte {
	return []byte("idx::hash::" + hash)
}

var indexPrefix = []byte("idx::")

// CreateAPIToken persists an API token and its hash index.
func (s *Store) CreateAPIToken(token auth.APIToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal api token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		if err := b.Put([]byte(token.ID), data); err != nil {
			return err
		}
		return b.Put(apiTokenHashIndexKey(token.Hash), []byte(token.ID))
	})
}

// GetAPITokenByHash retrieves an API token by its SHA-256 hash.
// Returns nil, nil when no token matches.
func (s *Store) GetAPITokenByHash(hash string) (*auth.APIToken, error) {
	var token *auth.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		idBytes := b.Get(apiTokenHashIndexKey(hash))
		if idBytes == nil {
			return nil
		}
		v := b.Get(idBytes)
		if v == nil {
			return fmt.Errorf("api token index orphan for hash %q", hash)
		}
		var t auth.APIToken
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		token = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// DeleteAPIToken removes an API token and its index. Idempotent.
func (s *Store) DeleteAPIToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var token auth.APIToken
		if err := json.Unmarshal(v, &token); err != nil {
			return b.Delete([]byte(id))
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return b.Delete(apiTokenHashIndexKey(token.Hash))
	})
}

// ListAPITokens returns all stored API tokens.
func (s *Store) ListAPITokens() ([]auth.APIToken, error) {
	var tokens []auth.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		return b.ForEach(func(k, v []byte) error {
			if bytes.HasPrefix(k, indexPrefix) {
				return nil
			}
			var t auth.APIToken
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			tokens = append(tokens, t)
			return nil
		})
	})
	return tokens, err
}

// TouchAPIToken updates a token's last-used timestamp. Best effort.
func (s *Store) TouchAPIToken(id string, when time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var token auth.APIToken
		if err := json.Unmarshal(v, &token); err != nil {
			return nil
		}
		token.LastUsedAt = when
		data, err := json.Marshal(token)
		if err != nil {
			return nil
		}
		return b.Put([]byte(token.ID), data)
	})
}
