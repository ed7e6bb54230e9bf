package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// nvsBucket is the root bucket; every namespace is a nested bucket inside it
const nvsBucket = "_nvs"

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file and its directory are created if they don't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(nvsBucket)); err != nil {
			return fmt.Errorf("failed to create nvs bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Get retrieves data by key
func (s *BoltStorage) Get(namespace, key string) ([]byte, error) {
	if namespace == "" {
		return nil, ErrNamespaceRequired
	}

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(nvsBucket))
		if bucket == nil {
			return fmt.Errorf("nvs bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		data := nsBucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		// bbolt memory is only valid inside the transaction
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// GetString retrieves string data by key
func (s *BoltStorage) GetString(namespace, key string) (string, error) {
	data, err := s.Get(namespace, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Set stores data by key
func (s *BoltStorage) Set(namespace, key string, value []byte) error {
	if namespace == "" {
		return ErrNamespaceRequired
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(nvsBucket))
		if bucket == nil {
			return fmt.Errorf("nvs bucket not found")
		}

		// Create namespace bucket if it doesn't exist
		nsBucket, err := bucket.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create namespace bucket: %w", err)
		}

		return nsBucket.Put([]byte(key), value)
	})
}

// SetString stores string data by key
func (s *BoltStorage) SetString(namespace, key string, value string) error {
	return s.Set(namespace, key, []byte(value))
}

// DeleteAll removes a namespace with all its data
func (s *BoltStorage) DeleteAll(namespace string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(nvsBucket))
		if bucket == nil {
			return fmt.Errorf("nvs bucket not found")
		}

		err := bucket.DeleteBucket([]byte(namespace))
		if errors.Is(err, bolterrors.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
