// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/skyferry/skyferry/sdk/go/ctxlog"
)

// ErrClusterBusy is returned when a lock cannot be acquired within the
// caller's timeout. Callers retry with backoff or report the cluster
// busy; they never proceed without the lock.
var ErrClusterBusy = errors.New("cluster is locked by another operation")

var lockRetryDelay = 500 * time.Millisecond

// An Unlocker releases a held cluster lock.
type Unlocker interface {
	Unlock()
}

// A Locker serializes mutating operations per cluster name. Exactly
// one engine invocation may hold the lock for a given name at a time,
// across processes.
type Locker interface {
	// Acquire blocks until the named lock is held, the timeout
	// elapses (ErrClusterBusy), or ctx is canceled.
	Acquire(ctx context.Context, name string, timeout time.Duration) (Unlocker, error)

	// ForceUnlock breaks a lock stranded by a crashed holder.
	ForceUnlock(ctx context.Context, name string) error
}

// lockKey maps a cluster name onto the advisory-lock keyspace.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// PostgresLocker implements Locker with session-scoped
// pg_try_advisory_lock, keyed by a hash of the cluster name. The lock
// is tied to a dedicated connection, so it is released automatically
// if the holding process dies.
type PostgresLocker struct {
	DB *sqlx.DB
}

func (pl *PostgresLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (Unlocker, error) {
	logger := ctxlog.FromContext(ctx).WithField("Cluster", name)
	key := lockKey(name)
	deadline := time.Now().Add(timeout)
	conn, err := pl.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	for {
		var locked bool
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if locked {
			logger.Debug("acquired pg_advisory_lock")
			return &pgUnlocker{conn: conn, key: key, logger: logger}, nil
		}
		if time.Now().After(deadline) {
			conn.Close()
			return nil, ErrClusterBusy
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

// ForceUnlock terminates the backend session holding the lock. The
// advisory lock is session-scoped, so killing the session releases it.
func (pl *PostgresLocker) ForceUnlock(ctx context.Context, name string) error {
	key := lockKey(name)
	_, err := pl.DB.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_locks
		WHERE locktype = 'advisory'
		  AND classid = ($1 >> 32)::int
		  AND objid = ($1 & x'ffffffff'::bigint)::int
		  AND pid <> pg_backend_pid()`, key)
	return err
}

type pgUnlocker struct {
	conn   *sql.Conn
	key    int64
	logger interface{ Debug(...interface{}) }
	once   sync.Once
}

func (pu *pgUnlocker) Unlock() {
	pu.once.Do(func() {
		_, err := pu.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, pu.key)
		if err == nil {
			pu.logger.Debug("released pg_advisory_lock")
		}
		pu.conn.Close()
	})
}

// MemoryLocker is a Locker for tests and single-process use.
type MemoryLocker struct {
	mtx  sync.Mutex
	held map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]chan struct{}{}}
}

func (ml *MemoryLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (Unlocker, error) {
	deadline := time.Now().Add(timeout)
	for {
		ml.mtx.Lock()
		released, busy := ml.held[name]
		if !busy {
			released = make(chan struct{})
			ml.held[name] = released
			ml.mtx.Unlock()
			return &memUnlocker{ml: ml, name: name, ch: released}, nil
		}
		ml.mtx.Unlock()
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrClusterBusy
		case <-released:
			timer.Stop()
		}
	}
}

func (ml *MemoryLocker) ForceUnlock(ctx context.Context, name string) error {
	ml.mtx.Lock()
	defer ml.mtx.Unlock()
	if released, busy := ml.held[name]; busy {
		close(released)
		delete(ml.held, name)
	}
	return nil
}

type memUnlocker struct {
	ml   *MemoryLocker
	name string
	ch   chan struct{}
	once sync.Once
}

func (mu *memUnlocker) Unlock() {
	mu.once.Do(func() {
		mu.ml.mtx.Lock()
		defer mu.ml.mtx.Unlock()
		// The lock may already have been broken by ForceUnlock,
		// in which case held[name] belongs to a new holder.
		if released, busy := mu.ml.held[mu.name]; busy && released == mu.ch {
			close(released)
			delete(mu.ml.held, mu.name)
		}
	})
}
