// Handles versioned storage of cached HTTP responses
package cache

import "errors"

// ErrVersionNotFound is returned when a version was never created or has been
// deleted
var ErrVersionNotFound = errors.New("cache version not found")

// GenericCache is a versioned key/value store. Each version is an
// independent namespace that can be listed and deleted as a whole.
type GenericCache interface {
	// initializes the cache (e.g., creates necessary directories or tables)
	Init() error
	// creates the version namespace if it does not exist yet
	Create(version string) error
	// retrieves cached data. returns nil, nil when not found
	Get(version, key string) ([]byte, error)
	// stores data under key in an existing version. Last write wins.
	// fails with ErrVersionNotFound when the version does not exist
	Set(version, key string, value []byte) error
	// stores every entry, or none of them. Same version rules as Set
	SetMany(version string, entries map[string][]byte) error
	// lists every existing version name
	Versions() ([]string, error)
	// removes a version and all of its entries. returns false if it did not exist
	Delete(version string) (bool, error)
	// releases resources held by the cache
	Close() error
}
