package kvstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	if _, ok, err := s.Get("favorites"); err != nil || ok {
		t.Fatalf("Expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set("favorites", `[{"id":1}]`); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	value, ok, err := s.Get("favorites")
	if err != nil || !ok {
		t.Fatalf("Expected key to exist, got ok=%v err=%v", ok, err)
	}
	if value != `[{"id":1}]` {
		t.Errorf("Unexpected value %s", value)
	}

	if err := s.Set("favorites", "[]"); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}
	if value, _, _ := s.Get("favorites"); value != "[]" {
		t.Errorf("Expected overwritten value, got %s", value)
	}

	if err := s.Remove("favorites"); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if _, ok, _ := s.Get("favorites"); ok {
		t.Error("Expected key to be gone after Remove")
	}
	if err := s.Remove("never-set"); err != nil {
		t.Errorf("Removing a missing key should succeed, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "library.db")

	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("Failed to open bolt store: %v", err)
	}
	exerciseStore(t, s)

	t.Run("PersistsAcrossReopen", func(t *testing.T) {
		if err := s.Set("streamflix_device_id", "abc"); err != nil {
			t.Fatalf("Failed to set: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Failed to close: %v", err)
		}

		reopened, err := OpenBolt(path)
		if err != nil {
			t.Fatalf("Failed to reopen: %v", err)
		}
		defer reopened.Close()

		value, ok, err := reopened.Get("streamflix_device_id")
		if err != nil || !ok || value != "abc" {
			t.Errorf("Expected persisted value abc, got %q ok=%v err=%v", value, ok, err)
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		if err := s.Set("x", "y"); !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	})
}
