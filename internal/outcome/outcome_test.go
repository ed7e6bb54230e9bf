package outcome

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"thum/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.BoltStorage) {
	t.Helper()

	backend, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "nvs.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(backend, "thum", logger), backend
}

func TestReadPreviousEmptyStore(t *testing.T) {
	store, _ := newTestStore(t)

	previous, err := store.ReadPrevious()
	if err != nil {
		t.Fatalf("Expected nil error for empty store, got %v", err)
	}
	if previous != DefaultPrevious {
		t.Errorf("Expected %q, got %q", DefaultPrevious, previous)
	}
}

func TestReadPreviousStoredValues(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "success marker", value: "ok"},
		{name: "formatted error", value: "error: sensing: sht data error: i2c write: remote I/O error"},
		{name: "multibyte", value: "Temperatur 21,5 °C"},
		{name: "empty string", value: ""},
		{name: "exact limit", value: strings.Repeat("x", MaxSize)},
	}

	store, backend := newTestStore(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := backend.SetString("thum", Key, tt.value); err != nil {
				t.Fatalf("Failed to seed value: %v", err)
			}

			previous, err := store.ReadPrevious()
			if err != nil {
				t.Fatalf("Failed to read previous: %v", err)
			}
			if previous != tt.value {
				t.Errorf("Expected %q, got %q", tt.value, previous)
			}
		})
	}
}

func TestReadPreviousInvalidUTF8(t *testing.T) {
	store, backend := newTestStore(t)

	if err := backend.Set("thum", Key, []byte{'o', 0xc3, 0x28}); err != nil {
		t.Fatalf("Failed to seed value: %v", err)
	}

	previous, err := store.ReadPrevious()
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if decodeErr.Size != 3 {
		t.Errorf("Expected size 3, got %d", decodeErr.Size)
	}
	if previous != DefaultPrevious {
		t.Errorf("Expected %q, got %q", DefaultPrevious, previous)
	}
}

func TestReadPreviousOversized(t *testing.T) {
	store, backend := newTestStore(t)

	if err := backend.SetString("thum", Key, strings.Repeat("y", MaxSize+1)); err != nil {
		t.Fatalf("Failed to seed value: %v", err)
	}

	previous, err := store.ReadPrevious()
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if previous != DefaultPrevious {
		t.Errorf("Expected %q, got %q", DefaultPrevious, previous)
	}
}

func TestWriteThenRead(t *testing.T) {
	store, _ := newTestStore(t)

	want := "error: mqtt: publish thum/sensor/voltage/state: connection lost"
	if err := store.WriteOutcome(want); err != nil {
		t.Fatalf("Failed to write outcome: %v", err)
	}

	got, err := store.ReadPrevious()
	if err != nil {
		t.Fatalf("Failed to read previous: %v", err)
	}
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestWriteOutcomeTruncatesOnRuneBoundary(t *testing.T) {
	store, _ := newTestStore(t)

	// 254 ASCII bytes followed by a two-byte rune crossing the limit
	long := strings.Repeat("a", MaxSize-1) + "é" + "tail"
	if err := store.WriteOutcome(long); err != nil {
		t.Fatalf("Failed to write outcome: %v", err)
	}

	got, err := store.ReadPrevious()
	if err != nil {
		t.Fatalf("Expected truncated value to decode, got %v", err)
	}
	if len(got) != MaxSize-1 {
		t.Errorf("Expected %d bytes, got %d", MaxSize-1, len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("Expected valid UTF-8 after truncation")
	}
}

func TestStoreErrors(t *testing.T) {
	cause := errors.New("database unavailable")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore(storage.Unavailable{Err: cause}, "thum", logger)

	previous, err := store.ReadPrevious()
	var readErr *ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("Expected ReadError, got %v", err)
	}
	if previous != DefaultPrevious {
		t.Errorf("Expected %q, got %q", DefaultPrevious, previous)
	}

	err = store.WriteOutcome("ok")
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Expected WriteError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected cause to be wrapped, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "abcdef", n: 3, want: "abc"},
		{in: "ab°", n: 3, want: "ab"},
		{in: "°", n: 1, want: ""},
	}

	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
