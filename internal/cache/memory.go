package cache

import (
	"sort"
	"sync"
)

// MemoryCache implements a simple in-memory generation
type MemoryCache struct {
	items map[string]*Entry
	mutex sync.RWMutex
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]*Entry),
	}
}

// Put stores an entry, replacing any previous entry for the same URL
func (c *MemoryCache) Put(entry *Entry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[entry.URL] = entry.clone()
	return nil
}

// Match retrieves an entry from the cache
func (c *MemoryCache) Match(key string) (*Entry, bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists {
		return nil, false, nil
	}
	return entry.clone(), true, nil
}

// Delete removes an entry from the cache
func (c *MemoryCache) Delete(key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, exists := c.items[key]
	delete(c.items, key)
	return exists, nil
}

// Size returns the number of entries in the cache
func (c *MemoryCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// MemoryStorage keeps generations in memory. Used by tests and by the edge
// when no storage path is configured.
type MemoryStorage struct {
	mutex       sync.Mutex
	generations map[string]*MemoryCache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{generations: make(map[string]*MemoryCache)}
}

func (s *MemoryStorage) Open(name string) (Cache, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	gen, ok := s.generations[name]
	if !ok {
		gen = NewMemoryCache()
		s.generations[name] = gen
	}
	return gen, nil
}

func (s *MemoryStorage) Has(name string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, ok := s.generations[name]
	return ok, nil
}

func (s *MemoryStorage) Keys() ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(name string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, ok := s.generations[name]
	delete(s.generations, name)
	return ok, nil
}
