package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/store/migrations"
)

// Store is the single source of truth for all tab-scoped state. Every piece
// of cross-turn state round-trips through it; nothing held in memory is
// assumed to survive a process restart.
type Store struct {
	db *sql.DB

	// tabLocks serializes multi-statement read-modify-write sequences per
	// tab. SQLite itself serializes single statements, but a caller that
	// reads, awaits, then writes needs this to avoid lost updates.
	tabLocksMu sync.Mutex
	tabLocks   map[int64]*sync.Mutex
}

// Open opens (creating if needed) the SQLite database at path, applies
// migrations, and returns a Store.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite doesn't handle concurrent writers well; force a single
	// connection so all access is serialized through it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.Infof("store: database ready at %s", path)
	return &Store{db: db, tabLocks: make(map[int64]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// TabLock returns the mutex guarding compound read-modify-write sequences
// for a tab. Lazily created; entries are small and purged with the tab.
func (s *Store) TabLock(tabID int64) *sync.Mutex {
	s.tabLocksMu.Lock()
	defer s.tabLocksMu.Unlock()
	mu, ok := s.tabLocks[tabID]
	if !ok {
		mu = &sync.Mutex{}
		s.tabLocks[tabID] = mu
	}
	return mu
}

// dropTabLock forgets the per-tab mutex once the tab's records are purged.
func (s *Store) dropTabLock(tabID int64) {
	s.tabLocksMu.Lock()
	delete(s.tabLocks, tabID)
	s.tabLocksMu.Unlock()
}
