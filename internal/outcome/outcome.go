// Package outcome persists the textual result of a cycle so the next boot can
// report it. The store is the only state that crosses a deep-sleep reset.
package outcome

import (
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"thum/internal/storage"
)

const (
	// Key is the storage key holding the previous cycle's outcome
	Key = "previous"

	// MaxSize is the size of the read buffer for a persisted outcome in bytes
	MaxSize = 255

	// DefaultPrevious is reported when no usable previous outcome exists
	DefaultPrevious = "default"
)

// DecodeError reports stored bytes that cannot be used as an outcome.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode previous outcome (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReadError reports a storage failure while reading the previous outcome.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "read previous outcome: " + e.Err.Error() }

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a storage failure while persisting an outcome.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "write outcome: " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

var (
	errInvalidUTF8 = errors.New("invalid utf-8")
	errTooLarge    = fmt.Errorf("value exceeds %d bytes", MaxSize)
)

// Store reads and writes the persisted outcome in one storage namespace.
type Store struct {
	backend   storage.Storage
	namespace string
	logger    *slog.Logger
}

// NewStore binds the outcome key to namespace in backend.
func NewStore(backend storage.Storage, namespace string, logger *slog.Logger) *Store {
	return &Store{
		backend:   backend,
		namespace: namespace,
		logger:    logger,
	}
}

// ReadPrevious returns the outcome written by the previous cycle.
// An empty store yields DefaultPrevious with a nil error.
func (s *Store) ReadPrevious() (string, error) {
	data, err := s.backend.Get(s.namespace, Key)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Info("no previous outcome stored", "namespace", s.namespace)
		return DefaultPrevious, nil
	}
	if err != nil {
		return DefaultPrevious, &ReadError{Err: err}
	}

	if len(data) > MaxSize {
		return DefaultPrevious, &DecodeError{Size: len(data), Err: errTooLarge}
	}
	if !utf8.Valid(data) {
		return DefaultPrevious, &DecodeError{Size: len(data), Err: errInvalidUTF8}
	}

	s.logger.Debug("previous outcome loaded", "namespace", s.namespace, "previous", string(data))
	return string(data), nil
}

// WriteOutcome overwrites the stored outcome with a single key set.
// Outcomes longer than MaxSize are cut on a rune boundary.
func (s *Store) WriteOutcome(outcome string) error {
	value := Truncate(outcome, MaxSize)
	if err := s.backend.SetString(s.namespace, Key, value); err != nil {
		return &WriteError{Err: err}
	}

	s.logger.Info("outcome stored", "namespace", s.namespace, "outcome", value)
	return nil
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
