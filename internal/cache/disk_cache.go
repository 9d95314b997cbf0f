package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// DiskCache implements GenericCache for disk-based caching.
// Layout: <cacheDir>/<version>/<key>
type DiskCache struct {
	cacheDir string
	// writes hold it shared, deleting a version holds it exclusively
	mu sync.RWMutex
}

// NewDisk creates a new disk cache
func NewDisk(cacheDir string) *DiskCache {
	return &DiskCache{
		cacheDir: cacheDir,
	}
}

func validVersion(version string) error {
	if version == "" || version == "." || version == ".." || strings.ContainsAny(version, `/\`) {
		return fmt.Errorf("invalid cache version name '%s'", version)
	}
	return nil
}

// path returns the file holding key in version, refusing keys that escape it
func (d *DiskCache) path(version, key string) (string, error) {
	if err := validVersion(version); err != nil {
		return "", err
	}
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid cache key '%s'", key)
	}
	return filepath.Join(d.cacheDir, version, key), nil
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskCache) Create(version string) error {
	if err := validVersion(version); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return os.MkdirAll(filepath.Join(d.cacheDir, version), 0755)
}

// exists reports whether version was created. Callers hold mu.
func (d *DiskCache) exists(version string) error {
	info, err := os.Stat(filepath.Join(d.cacheDir, version))
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return ErrVersionNotFound
	}
	return err
}

// Get retrieves a cached response if it exists
func (d *DiskCache) Get(version, key string) ([]byte, error) {
	cachePath, err := d.path(version, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(cachePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a response in the cache
func (d *DiskCache) Set(version, key string, data []byte) error {
	cachePath, err := d.path(version, key)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.exists(version); err != nil {
		return err
	}

	tmp, err := writeTemp(cachePath, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, cachePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	logrus.Debugf("Cached response: %s", cachePath)
	return nil
}

// SetMany writes every entry to a temporary file first and only renames them
// into place once all writes succeeded.
func (d *DiskCache) SetMany(version string, entries map[string][]byte) error {
	if err := validVersion(version); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.exists(version); err != nil {
		return err
	}

	type pending struct{ tmp, final string }
	var staged []pending
	cleanup := func() {
		for _, p := range staged {
			_ = os.Remove(p.tmp)
		}
	}

	for key, data := range entries {
		cachePath, err := d.path(version, key)
		if err != nil {
			cleanup()
			return err
		}
		tmp, err := writeTemp(cachePath, data)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, pending{tmp: tmp, final: cachePath})
	}

	for i, p := range staged {
		if err := os.Rename(p.tmp, p.final); err != nil {
			for _, done := range staged[:i] {
				_ = os.Remove(done.final)
			}
			cleanup()
			return err
		}
	}

	logrus.Debugf("Cached %d responses in version %s", len(entries), version)
	return nil
}

func writeTemp(cachePath string, data []byte) (string, error) {
	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (d *DiskCache) Versions() ([]string, error) {
	dirEntries, err := os.ReadDir(d.cacheDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range dirEntries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskCache) Delete(version string) (bool, error) {
	if err := validVersion(version); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dir := filepath.Join(d.cacheDir, version)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DiskCache) Close() error {
	return nil
}
