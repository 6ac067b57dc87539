package broker

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// KVStore is the bbolt-backed key/value side-channel served by the
// standalone broker. The embedded Memory broker keeps its KV in-process;
// this store exists so job state survives a broker restart.
type KVStore struct {
	db *bolt.DB
}

// NewKVStore opens (or creates) the key/value database under dataDir
func NewKVStore(dataDir string) (*KVStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "conveyor.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &KVStore{db: db}, nil
}

// Set stores value under key, overwriting any previous value
func (s *KVStore) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
}

// Get returns the value stored under key and whether it exists
func (s *KVStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data != nil {
			found = true
			value = append([]byte(nil), data...)
		}
		return nil
	})
	return value, found, err
}

// SetNX stores value under key only if the key does not exist. The check
// and the write share one bbolt transaction, so concurrent creators race
// safely: exactly one wins.
func (s *KVStore) SetNX(key string, value []byte) (bool, error) {
	var stored bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		stored = true
		return b.Put([]byte(key), value)
	})
	return stored, err
}

// Close closes the database
func (s *KVStore) Close() error {
	return s.db.Close()
}
