// Package remote talks to the Remote Library Store and the catalog.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamflix/pkg/models"
)

// Store is the remote side of library sync. Get returns nil when the owner
// has no record yet.
type Store interface {
	Get(ctx context.Context, ownerKey string) (*models.LibraryPayload, error)
	Put(ctx context.Context, ownerKey string, payload models.LibraryPayload) error
}

// HTTPError is a non-2xx answer from the library server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// MemoryStore is an in-process Store. Each payload is copied on the way in
// and out so callers cannot alias stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.LibraryPayload
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.LibraryPayload)}
}

func (m *MemoryStore) Get(ctx context.Context, ownerKey string) (*models.LibraryPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[ownerKey]
	if !ok {
		return nil, nil
	}
	out := clonePayload(record)
	return &out, nil
}

func (m *MemoryStore) Put(ctx context.Context, ownerKey string, payload models.LibraryPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := clonePayload(payload)
	stored.UpdatedAt = &now

	m.mu.Lock()
	m.records[ownerKey] = stored
	m.mu.Unlock()
	return nil
}

func clonePayload(p models.LibraryPayload) models.LibraryPayload {
	var out models.LibraryPayload
	for _, c := range models.AllCollections {
		items := p.Items(c)
		copied := make([]models.LibraryItem, len(items))
		copy(copied, items)
		out.SetItems(c, copied)
	}
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// LibraryDB is the record storage behind a library server.
type LibraryDB interface {
	GetLibrary(ctx context.Context, ownerKey string) (*models.LibraryPayload, error)
	SaveLibrary(ctx context.Context, ownerKey string, payload models.LibraryPayload) error
}

// DatabaseStore adapts a LibraryDB to Store. notFound is the error the
// database returns for a missing record.
type DatabaseStore struct {
	db       LibraryDB
	notFound error
}

func NewDatabaseStore(db LibraryDB, notFound error) *DatabaseStore {
	return &DatabaseStore{db: db, notFound: notFound}
}

func (d *DatabaseStore) Get(ctx context.Context, ownerKey string) (*models.LibraryPayload, error) {
	payload, err := d.db.GetLibrary(ctx, ownerKey)
	if d.notFound != nil && errors.Is(err, d.notFound) {
		return nil, nil
	}
	return payload, err
}

func (d *DatabaseStore) Put(ctx context.Context, ownerKey string, payload models.LibraryPayload) error {
	return d.db.SaveLibrary(ctx, ownerKey, payload)
}
