// Package library owns the on-device copy of the user's collections:
// favorites, watch history, downloads and the derived recommendations list.
//
// Every mutation is written to the key/value store before the method returns
// and only then announced to subscribers, so nothing observed through a
// notification can be lost by a crash. Reads never fail: a missing or
// unreadable value is an empty collection.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamflix/internal/kvstore"
	"streamflix/pkg/models"

	"github.com/sirupsen/logrus"
)

// DefaultLimit bounds the ordered collections.
const DefaultLimit = 100

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidItem       = errors.New("invalid library item")
	ErrReadOnly          = errors.New("collection is not user editable")
)

// Store is the Local Collection Store.
type Store struct {
	kv       kvstore.Store
	notifier *Notifier
	logger   *logrus.Logger
	limit    int
	now      func() time.Time

	// serializes read-modify-write cycles; single keys are atomic in kv
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLimit overrides the history/downloads cap.
func WithLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds a Store over kv.
func NewStore(kv kvstore.Store, logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		kv:       kv,
		notifier: NewNotifier(),
		logger:   logger,
		limit:    DefaultLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe returns a channel receiving a Change after every mutation.
func (s *Store) Subscribe() <-chan Change {
	return s.notifier.Subscribe()
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Store) Unsubscribe(ch <-chan Change) {
	s.notifier.Unsubscribe(ch)
}

// Limit returns the cap applied to ordered collections.
func (s *Store) Limit() int {
	return s.limit
}

// Get returns the items of c. It never fails.
func (s *Store) Get(c models.Collection) []models.LibraryItem {
	items, _ := s.read(c)
	return items
}

// Exists reports whether c has ever been written on this device.
func (s *Store) Exists(c models.Collection) bool {
	_, found, err := s.kv.Get(string(c))
	return err == nil && found
}

// Contains reports whether the identity (id, mediaType) is in c.
func (s *Store) Contains(c models.Collection, id int, mediaType models.MediaType) bool {
	key := models.ItemKey{ID: id, MediaType: mediaType}
	for _, item := range s.Get(c) {
		if item.Key() == key {
			return true
		}
	}
	return false
}

// Add inserts item into c. Favorites ignore an item that is already present.
// History and downloads move an existing entry to the front with a fresh
// timestamp and drop the oldest entries past the limit.
func (s *Store) Add(c models.Collection, item models.LibraryItem) error {
	if err := checkEditable(c); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}

	s.mu.Lock()
	items, _ := s.read(c)

	now := s.now().UTC()
	if c.Ordered() {
		items = removeKey(items, item.Key())
		switch c {
		case models.History:
			item.WatchedAt = &now
		case models.Downloads:
			item.DownloadedAt = &now
		}
		items = append([]models.LibraryItem{item}, items...)
		if len(items) > s.limit {
			items = items[:s.limit]
		}
	} else {
		if indexOf(items, item.Key()) >= 0 {
			s.mu.Unlock()
			return nil
		}
		if item.AddedAt == nil {
			item.AddedAt = &now
		}
		items = append(items, item)
	}

	err := s.write(c, items)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publish(OriginLocal, c)
	return nil
}

// Remove deletes the identity (id, mediaType) from c. Removing an absent
// item still persists and notifies.
func (s *Store) Remove(c models.Collection, id int, mediaType models.MediaType) error {
	if err := checkEditable(c); err != nil {
		return err
	}

	s.mu.Lock()
	items, _ := s.read(c)
	items = removeKey(items, models.ItemKey{ID: id, MediaType: mediaType})
	err := s.write(c, items)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publish(OriginLocal, c)
	return nil
}

// Clear empties c. The collection stays marked as written.
func (s *Store) Clear(c models.Collection) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, c)
	}

	s.mu.Lock()
	err := s.write(c, nil)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publish(OriginLocal, c)
	return nil
}

// ClearAll empties favorites, history and downloads with one notification.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	for _, c := range models.UserCollections {
		if err := s.write(c, nil); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	s.publish(OriginLocal, models.UserCollections...)
	return nil
}

// SetRecommendations stores the derived recommendations list.
func (s *Store) SetRecommendations(items []models.LibraryItem) error {
	return s.Apply(map[models.Collection][]models.LibraryItem{
		models.Recommendations: items,
	}, OriginLocal)
}

// Apply replaces whole collections at once and emits a single change tagged
// with origin. Items are normalized: invalid entries are dropped, duplicates
// keep their first occurrence, and ordered collections are capped.
func (s *Store) Apply(collections map[models.Collection][]models.LibraryItem, origin Origin) error {
	if len(collections) == 0 {
		return nil
	}

	for c := range collections {
		if !c.Valid() {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, c)
		}
	}

	changed := make([]models.Collection, 0, len(collections))
	s.mu.Lock()
	for _, c := range models.AllCollections {
		items, ok := collections[c]
		if !ok {
			continue
		}
		if err := s.write(c, s.normalize(c, items)); err != nil {
			s.mu.Unlock()
			return err
		}
		changed = append(changed, c)
	}
	s.mu.Unlock()

	s.publish(origin, changed...)
	return nil
}

// Snapshot returns every collection as read right now.
func (s *Store) Snapshot() models.LibraryPayload {
	var payload models.LibraryPayload
	for _, c := range models.AllCollections {
		items := s.Get(c)
		if items == nil {
			items = []models.LibraryItem{}
		}
		payload.SetItems(c, items)
	}
	return payload
}

func (s *Store) read(c models.Collection) ([]models.LibraryItem, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, c)
	}

	raw, found, err := s.kv.Get(string(c))
	if err != nil {
		s.logger.WithError(err).WithField("collection", c).Warn("Failed to read collection, treating as empty")
		return nil, err
	}
	if !found || raw == "" {
		return nil, nil
	}

	var items []models.LibraryItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.logger.WithError(err).WithField("collection", c).Warn("Corrupt collection value, treating as empty")
		return nil, err
	}
	return items, nil
}

func (s *Store) write(c models.Collection, items []models.LibraryItem) error {
	if items == nil {
		items = []models.LibraryItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c, err)
	}
	if err := s.kv.Set(string(c), string(data)); err != nil {
		return fmt.Errorf("failed to persist %s: %w", c, err)
	}
	return nil
}

func (s *Store) publish(origin Origin, collections ...models.Collection) {
	s.notifier.Publish(Change{
		Collections: collections,
		Origin:      origin,
		At:          s.now(),
	})
}

func (s *Store) normalize(c models.Collection, items []models.LibraryItem) []models.LibraryItem {
	out := make([]models.LibraryItem, 0, len(items))
	seen := make(map[models.ItemKey]bool, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			s.logger.WithField("collection", c).WithError(err).Debug("Dropping invalid item")
			continue
		}
		if seen[item.Key()] {
			continue
		}
		seen[item.Key()] = true
		out = append(out, item)
	}
	if c.Ordered() && len(out) > s.limit {
		out = out[:s.limit]
	}
	return out
}

func checkEditable(c models.Collection) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, c)
	}
	if c == models.Recommendations {
		return fmt.Errorf("%w: %s", ErrReadOnly, c)
	}
	return nil
}

func indexOf(items []models.LibraryItem, key models.ItemKey) int {
	for i, item := range items {
		if item.Key() == key {
			return i
		}
	}
	return -1
}

func removeKey(items []models.LibraryItem, key models.ItemKey) []models.LibraryItem {
	out := items[:0:0]
	for _, item := range items {
		if item.Key() != key {
			out = append(out, item)
		}
	}
	return out
}
