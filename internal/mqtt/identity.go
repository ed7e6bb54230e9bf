package mqtt

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"thum/internal/storage"
)

// Where a generated device UUID is kept
const (
	IdentityNamespace = "identity"
	identityKey       = "device_uuid"
)

// ResolveDeviceID picks the Home Assistant device identifier. The first
// non-empty source wins: configured, then built (stamped at build time),
// then a UUIDv7 generated once and kept in store.
//
// When the store cannot be read or written, a fresh UUID is still returned
// together with the error; the caller decides whether to continue.
func ResolveDeviceID(store storage.Storage, configured, built string) (string, error) {
	for _, candidate := range []string{configured, built} {
		if candidate == "" {
			continue
		}
		id, err := uuid.Parse(candidate)
		if err != nil {
			return "", fmt.Errorf("invalid device UUID %q: %w", candidate, err)
		}
		return id.String(), nil
	}

	stored, err := store.GetString(IdentityNamespace, identityKey)
	if err == nil {
		if id, err := uuid.Parse(stored); err == nil {
			return id.String(), nil
		}
		// Corrupt entry: replace it
	} else if !errors.Is(err, storage.ErrNotFound) {
		// Still generate one so this cycle can publish
		err = fmt.Errorf("read device UUID: %w", err)
	} else {
		err = nil
	}

	id, genErr := uuid.NewV7()
	if genErr != nil {
		return "", fmt.Errorf("generate device UUID: %w", genErr)
	}

	if err != nil {
		return id.String(), err
	}
	if err := store.SetString(IdentityNamespace, identityKey, id.String()); err != nil {
		return id.String(), fmt.Errorf("persist device UUID: %w", err)
	}
	return id.String(), nil
}

// ResetDeviceID forgets the generated device UUID. The next ResolveDeviceID
// without a configured or built UUID generates a new one, which Home
// Assistant sees as a new device.
func ResetDeviceID(store storage.Storage) error {
	if err := store.DeleteAll(IdentityNamespace); err != nil {
		return fmt.Errorf("reset device UUID: %w", err)
	}
	return nil
}
