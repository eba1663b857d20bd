package repository

import (
	"context"
	"database/sql"
	"log/slog"
)

// MigrationLockKey is the advisory lock id held while a migration step selects and marks a user.
const MigrationLockKey int64 = 0x6964_7073_796e_63 // "idpsync"

// AdvisoryLocker serialises migration steps across processes with a session-level Postgres advisory lock.
type AdvisoryLocker struct {
	db  *sql.DB
	key int64
}

// NewAdvisoryLocker returns a locker bound to MigrationLockKey.
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, key: MigrationLockKey}
}

// TryLock attempts to take the lock without waiting. When ok is false the lock is held elsewhere
// and release is nil. The lock lives on a dedicated connection until release is called.
func (l *AdvisoryLocker) TryLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	release = func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			slog.Warn("user repository: advisory unlock failed", "error", err)
		}
		_ = conn.Close()
	}
	return release, true, nil
}
