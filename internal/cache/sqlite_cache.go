package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS versions (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	version   TEXT    NOT NULL,
	key       TEXT    NOT NULL,
	data      BLOB    NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (version, key)
);`

const upsertEntry = `
INSERT INTO entries (version, key, data, stored_at) VALUES (?, ?, ?, ?)
ON CONFLICT (version, key) DO UPDATE SET data = excluded.data, stored_at = excluded.stored_at`

// SQLiteCache implements GenericCache on top of a single SQLite database file
type SQLiteCache struct {
	path string
	db   *sql.DB
}

// NewSQLite creates a SQLite cache stored at path. The database is opened by Init.
func NewSQLite(path string) *SQLiteCache {
	return &SQLiteCache{path: path}
}

// Init opens the database and creates the schema
func (s *SQLiteCache) Init() error {
	if strings.TrimSpace(s.path) == "" {
		return fmt.Errorf("sqlite cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create sqlite directory: %w", err)
	}
	dsn := filepath.Clean(s.path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteCache) ready() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite cache is not initialized")
	}
	return nil
}

func (s *SQLiteCache) Create(version string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO versions (name) VALUES (?)`, version)
	return err
}

func (s *SQLiteCache) Get(version, key string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM entries WHERE version = ? AND key = ?`, version, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteCache) Set(version, key string, value []byte) error {
	return s.SetMany(version, map[string][]byte{key: value})
}

func (s *SQLiteCache) SetMany(version string, entries map[string][]byte) (err error) {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var found int
	err = tx.QueryRow(`SELECT 1 FROM versions WHERE name = ?`, version).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrVersionNotFound
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	for key, value := range entries {
		if _, err = tx.Exec(upsertEntry, version, key, value, now); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	logrus.Debugf("Cached %d responses in version %s", len(entries), version)
	return nil
}

func (s *SQLiteCache) Versions() ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT name FROM versions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteCache) Delete(version string) (deleted bool, err error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.Exec(`DELETE FROM versions WHERE name = ?`, version)
	if err != nil {
		return false, err
	}
	if _, err = tx.Exec(`DELETE FROM entries WHERE version = ?`, version); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the SQLite handle
func (s *SQLiteCache) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
