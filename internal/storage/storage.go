package storage

import (
	"errors"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrNamespaceRequired is returned when a namespace name is empty
	ErrNamespaceRequired = errors.New("namespace name is required")
)

// Storage is a non-volatile key-value store partitioned into namespaces.
// Values survive process restarts and power loss; every write is a single
// transaction, so a key holds either the old or the new value.
type Storage interface {
	// Get retrieves the raw value of key in namespace
	// Returns ErrNotFound if the key doesn't exist
	Get(namespace, key string) ([]byte, error)

	// GetString retrieves string data by key
	GetString(namespace, key string) (string, error)

	// Set stores raw data by key, overwriting any previous value
	Set(namespace, key string, value []byte) error

	// SetString stores string data by key
	SetString(namespace, key string, value string) error

	// DeleteAll removes a namespace with all its keys
	DeleteAll(namespace string) error

	// Close closes the storage
	Close() error
}

// Unavailable is a Storage whose every operation fails with Err.
// It stands in for a database that could not be opened, so callers keep a
// single code path and still reach their tail steps.
type Unavailable struct {
	Err error
}

func (u Unavailable) Get(string, string) ([]byte, error) { return nil, u.Err }

func (u Unavailable) GetString(string, string) (string, error) { return "", u.Err }

func (u Unavailable) Set(string, string, []byte) error { return u.Err }

func (u Unavailable) SetString(string, string, string) error { return u.Err }

func (u Unavailable) DeleteAll(string) error { return u.Err }

func (u Unavailable) Close() error { return nil }
