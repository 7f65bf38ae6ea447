package convlock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Advisory is a Locker backed by Postgres session advisory locks, shared by
// every replica using the same database. Each held lock pins one pooled
// connection until it is released.
type Advisory struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAdvisory(db *sql.DB, logger *slog.Logger) *Advisory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisory{db: db, logger: logger.With("component", "convlock")}
}

func (a *Advisory) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock %s: acquire connection: %w", key, err)
	}
	// pgx cancels the blocked statement when ctx is done
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				a.logger.Warn("advisory unlock failed, discarding session", "key", key, "err", err)
				// a discarded session drops its advisory locks
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			conn.Close()
		})
	}, nil
}
