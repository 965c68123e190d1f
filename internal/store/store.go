package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lunamail/syncd/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// ListOptions controls pagination for folder listings. Results are always
// sorted by envelope date descending. HeadersOnly omits the threading
// annotations from the projection when only the header summary is needed.
type ListOptions struct {
	Skip        int
	Limit       int
	HeadersOnly bool
}

// Fields is a partial update: column name to new value. Allowed keys are
// "retrieved", "flags", "thread_msg", and "is_thread_child".
type Fields map[string]any

// Store is one account's local mail store: the per-message metadata index.
// Bodies live in a separate BodyStore so metadata queries never touch
// payloads. Implementations serialize conflicting writes to the same key.
type Store interface {
	// UpsertMessage inserts the record or, when the key already exists,
	// atomically replaces it. The key is never duplicated.
	UpsertMessage(ctx context.Context, rec *models.MessageRecord) error
	FindByKey(ctx context.Context, key string) (*models.MessageRecord, error)
	FindByFolder(ctx context.Context, folder string, opts ListOptions) ([]*models.MessageRecord, error)
	CountByFolder(ctx context.Context, folder string) (int, error)
	UpdateFields(ctx context.Context, key string, fields Fields) error

	// ThreadSnapshot returns the threading projection of every record in
	// the account, for the thread builder.
	ThreadSnapshot(ctx context.Context) ([]models.ThreadRecord, error)
	// ApplyThreads rewrites the thread annotations: every root in threads
	// gets its descendant list, every descendant points at its root, and
	// stale annotations on all other records are cleared.
	ApplyThreads(ctx context.Context, threads map[string][]string) error

	// PurgeFolder removes every record of one folder. Used when the
	// folder's UIDVALIDITY changes and all keys become invalid.
	PurgeFolder(ctx context.Context, folder string) error
}

// Manager hands out one Store and one BodyStore per account. Stores are
// created explicitly through Open and cached for the life of the manager;
// there is no implicit first-touch initialization anywhere else.
type Manager struct {
	pool    *pgxpool.Pool
	dataDir string

	mu     sync.Mutex
	stores map[string]Store
	bodies map[string]*BodyStore
}

// NewManager creates a store manager over a shared connection pool.
// dataDir is the root directory for per-account body blobs.
func NewManager(pool *pgxpool.Pool, dataDir string) *Manager {
	return &Manager{
		pool:    pool,
		dataDir: dataDir,
		stores:  make(map[string]Store),
		bodies:  make(map[string]*BodyStore),
	}
}

// Open returns the account's metadata store, creating it on first call.
func (m *Manager) Open(account string) (Store, error) {
	if account == "" {
		return nil, fmt.Errorf("account must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[account]; ok {
		return s, nil
	}

	s := NewPostgresStore(m.pool, account)
	m.stores[account] = s
	return s, nil
}

// Bodies returns the account's body blob store, creating it on first call.
func (m *Manager) Bodies(account string) (*BodyStore, error) {
	if account == "" {
		return nil, fmt.Errorf("account must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bodies[account]; ok {
		return b, nil
	}

	b, err := NewBodyStore(m.dataDir, account)
	if err != nil {
		return nil, err
	}
	m.bodies[account] = b
	return b, nil
}

// Close drops all cached stores. The underlying pool is owned by the
// caller and stays open.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = make(map[string]Store)
	m.bodies = make(map[string]*BodyStore)
}
