package store

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker implements Locker on top of Postgres session advisory
// locks. pg_try_advisory_lock never waits, which is exactly the
// semantics the dispatcher needs: a held lock means another worker is
// already managing this parent, so the attempt is simply skipped.
//
// Each acquired lock pins one pooled connection until released, since
// session locks are tied to the connection that took them.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresLocker returns a locker sharing the given pool.
func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// lockKey folds a string key into the bigint keyspace advisory locks
// use. Collisions only cost extra serialization, never correctness.
func lockKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (l *PostgresLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	id := lockKey(key)
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, id); err != nil {
			slog.Warn("advisory unlock failed", "key", key, "error", err)
		}
		conn.Release()
	}
	return release, true, nil
}

// MemoryLocker implements Locker with process-local mutual exclusion.
// It backs tests and single-node deployments without Postgres.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	release := func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}
	return release, true, nil
}

var (
	_ Locker = (*PostgresLocker)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
