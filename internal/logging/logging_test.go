package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamflix/internal/config"

	"github.com/sirupsen/logrus"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamflix.log")

	logger, err := New(config.LoggingConfig{
		Level:     "debug",
		Format:    "json",
		File:      path,
		MaxSizeMB: 1,
	})
	if err != nil {
		t.Fatalf("Failed to build logger: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", logger.GetLevel())
	}

	logger.WithField("owner_key", "device:abc").Info("push complete")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"owner_key":"device:abc"`) {
		t.Errorf("Expected JSON field in log file, got %s", data)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud", Format: "text"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}
