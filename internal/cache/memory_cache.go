package cache

import (
	"sort"
	"sync"
)

// MemoryCache implements GenericCache in process memory
type MemoryCache struct {
	mu       sync.RWMutex
	versions map[string]map[string][]byte
}

// NewMemory creates a new in-memory cache
func NewMemory() *MemoryCache {
	return &MemoryCache{
		versions: make(map[string]map[string][]byte),
	}
}

func (m *MemoryCache) Init() error {
	return nil
}

func (m *MemoryCache) Create(version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.create(version)
	return nil
}

func (m *MemoryCache) create(version string) map[string][]byte {
	entries, ok := m.versions[version]
	if !ok {
		entries = make(map[string][]byte)
		m.versions[version] = entries
	}
	return entries
}

func (m *MemoryCache) Get(version, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.versions[version][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryCache) Set(version, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.versions[version]
	if !ok {
		return ErrVersionNotFound
	}
	bucket[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryCache) SetMany(version string, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.versions[version]
	if !ok {
		return ErrVersionNotFound
	}
	for key, value := range entries {
		bucket[key] = append([]byte(nil), value...)
	}
	return nil
}

func (m *MemoryCache) Versions() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.versions))
	for name := range m.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryCache) Delete(version string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[version]; !ok {
		return false, nil
	}
	delete(m.versions, version)
	return true, nil
}

// Len returns the number of entries stored under version
func (m *MemoryCache) Len(version string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions[version])
}

func (m *MemoryCache) Close() error {
	return nil
}
