package identity

import (
	"fmt"
	"strings"
	"sync"

	"streamflix/internal/kvstore"
	"streamflix/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeviceIDKey is the storage key holding the anonymous device identity.
const DeviceIDKey = "streamflix_device_id"

// Provider hands out the device identity, creating it on first use.
type Provider struct {
	kv     kvstore.Store
	logger *logrus.Logger
	newID  func() (uuid.UUID, error)

	mu     sync.Mutex
	cached string
}

func NewProvider(kv kvstore.Store, logger *logrus.Logger) *Provider {
	return &Provider{
		kv:     kv,
		logger: logger,
		newID:  uuid.NewRandom,
	}
}

// GetOrCreate returns the persisted device id, generating and persisting a
// random UUID when none exists. Concurrent callers all see the same id.
func (p *Provider) GetOrCreate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	stored, found, err := p.kv.Get(DeviceIDKey)
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	if found && strings.TrimSpace(stored) != "" {
		p.cached = strings.TrimSpace(stored)
		return p.cached, nil
	}

	id, err := p.newID()
	if err != nil {
		return "", fmt.Errorf("failed to generate device id: %w", err)
	}
	if err := p.kv.Set(DeviceIDKey, id.String()); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}

	p.cached = id.String()
	p.logger.WithField("device_id", p.cached).Info("Created device identity")
	return p.cached, nil
}

// OwnerKey returns the remote partition key for this device.
func (p *Provider) OwnerKey() (string, error) {
	id, err := p.GetOrCreate()
	if err != nil {
		return "", err
	}
	return models.DeviceOwnerKey(id), nil
}
