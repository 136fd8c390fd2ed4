package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStorage keeps each generation in its own bbolt bucket.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens (or creates) the cache file at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) Open(name string) (Cache, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, mapBoltErr(err)
	}
	return &boltCache{db: s.db, bucket: []byte(name)}, nil
}

func (s *BoltStorage) Has(name string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found, mapBoltErr(err)
}

func (s *BoltStorage) Keys() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, mapBoltErr(err)
}

func (s *BoltStorage) Delete(name string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		deleted = err == nil
		return err
	})
	return deleted, mapBoltErr(err)
}

type boltCache struct {
	db     *bolt.DB
	bucket []byte
}

func (c *boltCache) Match(key string) (*Entry, bool, error) {
	var entry *Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return ErrNoGeneration
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, false, mapBoltErr(err)
	}
	return entry, entry != nil, nil
}

func (c *boltCache) Put(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return mapBoltErr(c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return ErrNoGeneration
		}
		return b.Put([]byte(entry.URL), data)
	}))
}

func (c *boltCache) Delete(key string) (bool, error) {
	deleted := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return ErrNoGeneration
		}
		if b.Get([]byte(key)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(key))
	})
	return deleted, mapBoltErr(err)
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
