// Package store persists the last synchronized production list per filter
// so that the CLI can show it offline and the portal can start from it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bcdev/calvalus-portal/internal/model"
)

var (
	bucketProductions = []byte("productions")
	bucketMeta        = []byte("meta")
)

var ErrNotFound = errors.New("no cached productions")

// ProductionStore keeps one JSON encoded list per filter in bbolt. With an
// empty path it only keeps data in memory.
type ProductionStore struct {
	db *bolt.DB

	mu    sync.RWMutex
	cache map[string][]byte
}

func Open(path string) (*ProductionStore, error) {
	s := &ProductionStore{cache: make(map[string][]byte)}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProductions, bucketMeta} {
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
	s.db = db
	return s, nil
}

func (s *ProductionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *ProductionStore) SaveProductions(filter string, ps []model.Production, at time.Time) error {
	if ps == nil {
		ps = []model.Production{}
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal productions: %w", err)
	}
	stamp, err := at.UTC().MarshalText()
	if err != nil {
		return err
	}

	if err := s.put(bucketProductions, filter, data); err != nil {
		return err
	}
	return s.put(bucketMeta, syncedAtKey(filter), stamp)
}

// LoadProductions returns ErrNotFound if nothing was saved for filter.
func (s *ProductionStore) LoadProductions(filter string) ([]model.Production, error) {
	data, ok := s.get(bucketProductions, filter)
	if !ok {
		return nil, ErrNotFound
	}
	var ps []model.Production
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("decode cached productions: %w", err)
	}
	return ps, nil
}

// SyncedAt returns the time of the last save for filter, zero if none.
func (s *ProductionStore) SyncedAt(filter string) time.Time {
	data, ok := s.get(bucketMeta, syncedAtKey(filter))
	if !ok {
		return time.Time{}
	}
	var t time.Time
	if err := t.UnmarshalText(data); err != nil {
		return time.Time{}
	}
	return t
}

// Filters lists the filters that have a cached list.
func (s *ProductionStore) Filters() ([]string, error) {
	seen := map[string]bool{}
	s.mu.RLock()
	prefix := string(bucketProductions) + ":"
	for k := range s.cache {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			seen[k[len(prefix):]] = true
		}
	}
	s.mu.RUnlock()

	if s.db != nil {
		err := s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketProductions).ForEach(func(k, _ []byte) error {
				seen[string(k)] = true
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	return out, nil
}

func syncedAtKey(filter string) string {
	return "synced_at:" + filter
}

func (s *ProductionStore) put(bucket []byte, key string, data []byte) error {
	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucket).Put([]byte(key), data)
		})
		if err != nil {
			return fmt.Errorf("write %s/%s: %w", bucket, key, err)
		}
	}
	s.mu.Lock()
	s.cache[string(bucket)+":"+key] = data
	s.mu.Unlock()
	return nil
}

func (s *ProductionStore) get(bucket []byte, key string) ([]byte, bool) {
	cacheKey := string(bucket) + ":" + key
	s.mu.RLock()
	data, ok := s.cache[cacheKey]
	s.mu.RUnlock()
	if ok || s.db == nil {
		return data, ok
	}

	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if data == nil {
		return nil, false
	}
	s.mu.Lock()
	s.cache[cacheKey] = data
	s.mu.Unlock()
	return data, true
}
