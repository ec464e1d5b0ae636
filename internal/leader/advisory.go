// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package leader

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// AdvisoryLockID is the Postgres advisory lock key for leader election:
// "relay" in hex.
const AdvisoryLockID int64 = 0x72656C6179

// AdvisoryLock is a Lock backed by pg_try_advisory_lock. Advisory locks are
// owned by a session, so the lock keeps its own connection instead of
// borrowing one from a pool.
type AdvisoryLock struct {
	dsn string
	key int64

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewAdvisoryLock creates a lock on key. No connection is made until the
// first TryAcquire.
func NewAdvisoryLock(dsn string, key int64) *AdvisoryLock {
	return &AdvisoryLock{dsn: dsn, key: key}
}

// TryAcquire implements Lock.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil || l.conn.IsClosed() {
		conn, err := pgx.Connect(ctx, l.dsn)
		if err != nil {
			return false, fmt.Errorf("failed to connect for leader lock: %w", err)
		}
		l.conn = conn
	}

	var acquired bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		l.closeLocked(ctx)
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	return acquired, nil
}

// Held implements Lock.
func (l *AdvisoryLock) Held(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil || l.conn.IsClosed() {
		return false, nil
	}

	var holding bool
	err := l.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)`, l.key).Scan(&holding)
	if err != nil {
		// The session is unusable and its locks are gone with it.
		l.closeLocked(ctx)
		return false, fmt.Errorf("failed to verify advisory lock: %w", err)
	}
	return holding, nil
}

// Release implements Lock.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil || l.conn.IsClosed() {
		return nil
	}
	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.closeLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}

func (l *AdvisoryLock) closeLocked(ctx context.Context) {
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
