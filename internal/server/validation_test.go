package server

import (
	"strings"
	"testing"

	"streamflix/pkg/models"
)

func TestValidateOwnerKey(t *testing.T) {
	tests := []struct {
		name      string
		ownerKey  string
		wantCode  string
		wantError bool
	}{
		{name: "user id", ownerKey: "5f0c6f4e-1b0d-4a9e-8d8e-8a4c3c2c1b0a"},
		{name: "device key", ownerKey: "device:abc123"},
		{name: "empty", ownerKey: "", wantError: true, wantCode: "MISSING_OWNER_KEY"},
		{name: "device prefix only", ownerKey: "device:", wantError: true, wantCode: "EMPTY_DEVICE_OWNER"},
		{name: "too long", ownerKey: strings.Repeat("a", maxOwnerKeyLength+1), wantError: true, wantCode: "OWNER_KEY_TOO_LONG"},
		{name: "null byte", ownerKey: "user\x00", wantError: true, wantCode: "INVALID_OWNER_KEY_CHARACTERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateOwnerKey(tt.ownerKey)
			if tt.wantError && err == nil {
				t.Fatalf("validateOwnerKey() expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Fatalf("validateOwnerKey() unexpected error: %v", err.Message)
			}
			if err != nil && err.Code != tt.wantCode {
				t.Errorf("validateOwnerKey() code = %s, want %s", err.Code, tt.wantCode)
			}
		})
	}
}

func TestValidateDeviceID(t *testing.T) {
	tests := []struct {
		name      string
		deviceID  string
		wantError bool
	}{
		{"valid", "3f2a9c", false},
		{"missing", "", true},
		{"colon", "a:b", true},
		{"space", "a b", true},
		{"too long", strings.Repeat("x", maxDeviceIDLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDeviceID(tt.deviceID)
			if (err != nil) != tt.wantError {
				t.Errorf("validateDeviceID(%q) error = %v, wantError %v", tt.deviceID, err, tt.wantError)
			}
		})
	}
}

func TestValidateCollectionType(t *testing.T) {
	if c, err := validateCollectionType("History"); err != nil || c != models.History {
		t.Errorf("Expected history, got %q %v", c, err)
	}
	if _, err := validateCollectionType("watchlist"); err == nil || err.Code != "INVALID_COLLECTION_TYPE" {
		t.Errorf("Expected INVALID_COLLECTION_TYPE, got %v", err)
	}
}

func TestValidatePayload(t *testing.T) {
	valid := models.LibraryItem{ID: 1, MediaType: models.MediaMovie}

	t.Run("Valid", func(t *testing.T) {
		payload := &models.LibraryPayload{Favorites: []models.LibraryItem{valid}}
		if errs := validatePayload(payload, 100); len(errs) != 0 {
			t.Errorf("Expected no errors, got %v", errs)
		}
	})

	t.Run("BadItems", func(t *testing.T) {
		payload := &models.LibraryPayload{
			Favorites: []models.LibraryItem{valid, {ID: 0, MediaType: models.MediaTV}},
			Downloads: []models.LibraryItem{{ID: 2, MediaType: "book"}},
		}
		errs := validatePayload(payload, 100)
		if len(errs) != 2 {
			t.Fatalf("Expected 2 errors, got %v", errs)
		}
		if errs[0].Field != "favorites[1]" || errs[1].Field != "downloads[0]" {
			t.Errorf("Unexpected fields: %v", errs)
		}
	})

	t.Run("OverLimit", func(t *testing.T) {
		history := make([]models.LibraryItem, 3)
		for i := range history {
			history[i] = models.LibraryItem{ID: i + 1, MediaType: models.MediaMovie}
		}
		payload := &models.LibraryPayload{History: history, Favorites: history}
		errs := validatePayload(payload, 2)
		if len(errs) != 1 || errs[0].Code != "COLLECTION_TOO_LARGE" {
			t.Errorf("Expected only history to exceed the limit, got %v", errs)
		}
	})
}

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"normal input", "normal input"},
		{"  whitespace  ", "whitespace"},
		{"null\x00byte", "nullbyte"},
		{"\x00\x00", ""},
	}

	for _, tt := range tests {
		if got := sanitizeInput(tt.input); got != tt.expected {
			t.Errorf("sanitizeInput(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0B"},
		{512, "< 1KB"},
		{2048, "2KB"},
		{3 << 20, "3MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
