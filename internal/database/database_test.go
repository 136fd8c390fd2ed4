package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"streamflix/pkg/models"

	"github.com/sirupsen/logrus"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"), 2, logger)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLibraryRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t.Run("MissingOwner", func(t *testing.T) {
		if _, err := db.GetLibrary(ctx, "user-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveAndGet", func(t *testing.T) {
		payload := models.LibraryPayload{
			Favorites: []models.LibraryItem{{ID: 1, MediaType: models.MediaMovie, Title: "Heat"}},
			History:   []models.LibraryItem{{ID: 2, MediaType: models.MediaTV, Name: "Severance"}},
		}
		if err := db.SaveLibrary(ctx, "user-1", payload); err != nil {
			t.Fatalf("SaveLibrary failed: %v", err)
		}

		got, err := db.GetLibrary(ctx, "user-1")
		if err != nil {
			t.Fatalf("GetLibrary failed: %v", err)
		}
		if len(got.Favorites) != 1 || got.Favorites[0].Title != "Heat" {
			t.Errorf("Unexpected favorites %v", got.Favorites)
		}
		if len(got.History) != 1 || got.History[0].Name != "Severance" {
			t.Errorf("Unexpected history %v", got.History)
		}
		if got.UpdatedAt == nil {
			t.Error("Expected updated_at to be set")
		}
	})

	t.Run("UpsertReplacesWholeRecord", func(t *testing.T) {
		db.SaveLibrary(ctx, "user-1", models.LibraryPayload{
			Downloads: []models.LibraryItem{{ID: 9, MediaType: models.MediaMovie}},
		})
		got, _ := db.GetLibrary(ctx, "user-1")
		if len(got.Favorites) != 0 || len(got.Downloads) != 1 {
			t.Errorf("Expected only downloads after overwrite, got %+v", got)
		}

		n, err := db.CountLibraries(ctx)
		if err != nil || n != 1 {
			t.Errorf("Expected one record, got %d (%v)", n, err)
		}
	})

	t.Run("DeviceOwner", func(t *testing.T) {
		if err := db.SaveLibrary(ctx, "device:abc", models.LibraryPayload{}); err != nil {
			t.Fatalf("SaveLibrary failed: %v", err)
		}
		var deviceID string
		db.conn.QueryRow("SELECT device_id FROM user_library WHERE owner_key = ?", "device:abc").Scan(&deviceID)
		if deviceID != "abc" {
			t.Errorf("Expected device_id abc, got %q", deviceID)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := db.DeleteLibrary(ctx, "user-1"); err != nil {
			t.Fatalf("DeleteLibrary failed: %v", err)
		}
		if err := db.DeleteLibrary(ctx, "user-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestValues(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.GetValue(ctx, "device:d1:favorites"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	db.SetValue(ctx, "device:d1:favorites", "[1]")
	db.SetValue(ctx, "device:d1:favorites", "[1,2]")

	value, err := db.GetValue(ctx, "device:d1:favorites")
	if err != nil || value != "[1,2]" {
		t.Errorf("Expected [1,2], got %q (%v)", value, err)
	}

	if err := db.DeleteValue(ctx, "device:d1:favorites"); err != nil {
		t.Fatalf("DeleteValue failed: %v", err)
	}
	if err := db.DeleteValue(ctx, "device:d1:favorites"); err != nil {
		t.Errorf("Deleting a missing key should not fail: %v", err)
	}
}

func TestReopenRunsMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	for i := 0; i < 2; i++ {
		db, err := NewDatabase(path, 1, logger)
		if err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		if err := db.Ping(context.Background()); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
		db.Close()
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		postgres bool
		query    string
		expected string
	}{
		{false, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{true, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{true, "DELETE FROM t", "DELETE FROM t"},
	}

	for _, tt := range tests {
		db := &Database{postgres: tt.postgres}
		if got := db.rebind(tt.query); got != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.query, got, tt.expected)
		}
	}
}

func TestIsPostgresDSN(t *testing.T) {
	tests := map[string]bool{
		"postgres://u:p@localhost/streamflix":   true,
		"POSTGRESQL://u:p@localhost/streamflix": true,
		"./streamflix.db":                       false,
		"/var/lib/streamflix/postgres.db":       false,
	}
	for dsn, expected := range tests {
		if got := IsPostgresDSN(dsn); got != expected {
			t.Errorf("IsPostgresDSN(%q) = %v", dsn, got)
		}
	}
}
