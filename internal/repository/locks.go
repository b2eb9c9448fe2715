package repository

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// Advisory lock scopes. Locks are cooperative and non-blocking: a caller
// that finds the lock held must skip or reschedule, never wait.
const (
	ScopeSource     = "source"
	ScopeMedia      = "media"
	ScopeIndexMedia = "index_media"
	ScopeGlobal     = "global"
)

// LockRepository wraps Postgres session-level advisory locks. Keys are
// derived from "<scope>:<id>" so distinct scopes on the same entity do not
// collide. Every held lock is tracked so ReleaseAll can clear locks leaked
// by an interrupted worker in this process; locks of dead processes need
// no clearing, Postgres drops session-level locks when the session ends.
type LockRepository struct {
	db *sql.DB

	mu   sync.Mutex
	held map[int64]*Lock
}

func NewLockRepository(db *sql.DB) *LockRepository {
	return &LockRepository{db: db, held: make(map[int64]*Lock)}
}

func lockKey(scope, id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scope))
	h.Write([]byte{':'})
	h.Write([]byte(id))
	return int64(h.Sum64())
}

// Lock is a held advisory lock. Release it on the same repository.
type Lock struct {
	key  int64
	conn *sql.Conn
	repo *LockRepository
}

// TryAcquire attempts a non-blocking advisory lock for (scope, id).
// Returns ErrLocked when another worker holds it. The lock is tied to a
// dedicated connection so it survives pool churn until released.
func (r *LockRepository) TryAcquire(scope string, id uuid.UUID) (*Lock, error) {
	return r.TryAcquireName(scope, id.String())
}

// TryAcquireName acquires a lock on a global name, e.g.
// "save_all_media_for_source".
func (r *LockRepository) TryAcquireName(scope, name string) (*Lock, error) {
	key := lockKey(scope, name)
	conn, err := r.db.Conn(context.Background())
	if err != nil {
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(context.Background(), `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, ErrLocked
	}
	lock := &Lock{key: key, conn: conn, repo: r}
	r.track(lock)
	return lock, nil
}

func (r *LockRepository) track(l *Lock) {
	r.mu.Lock()
	r.held[l.key] = l
	r.mu.Unlock()
}

func (r *LockRepository) forget(key int64) {
	r.mu.Lock()
	delete(r.held, key)
	r.mu.Unlock()
}

// Release unlocks and returns the connection to the pool.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	if l.repo != nil {
		l.repo.forget(l.key)
	}
	if l.conn == nil {
		return
	}
	l.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key)
	l.conn.Close()
	l.conn = nil
}

// ReleaseAll drops every advisory lock this process still holds. Run
// before a new indexing pass so locks leaked by an interrupted worker do
// not shut the pass out of its own media.
func (r *LockRepository) ReleaseAll() {
	r.mu.Lock()
	locks := make([]*Lock, 0, len(r.held))
	for _, l := range r.held {
		locks = append(locks, l)
	}
	r.mu.Unlock()

	for _, l := range locks {
		l.Release()
	}
}
