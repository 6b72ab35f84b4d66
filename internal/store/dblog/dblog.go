// Package dblog wraps sqlx with per-operation structured logging. Every call
// records the operation kind, parameter count, and duration through the
// context-aware logger.
package dblog

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentbox/agentbox/internal/pkg/logctx"
)

const (
	keyOperation  = "operation"
	keyParamCount = "paramCount"
	keyDuration   = "duration"

	operationOpen  = "open"
	operationQuery = "query"
	operationGet   = "query_row"
	operationExec  = "exec"
	operationTx    = "transaction"
	operationPing  = "ping"
	operationClose = "close"
)

type DB struct {
	db *sqlx.DB
}

func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	ctx = logctx.WithField(ctx, keyOperation, operationOpen)
	var err error
	start := time.Now()
	defer func() {
		logFinish(ctx, start, err)
	}()
	var raw *sql.DB
	raw, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "database connected", slog.String("driver", driver))
	return &DB{db: sqlx.NewDb(raw, driver)}, nil
}

func New(db *sql.DB, driver string) *DB {
	return &DB{db: sqlx.NewDb(db, driver)}
}

func (d *DB) GetContext(ctx context.Context, dest any, query string, args ...any) (err error) {
	start := time.Now()
	ctx = logctx.WithAttrs(ctx,
		slog.Int(keyParamCount, len(args)),
		slog.String(keyOperation, operationGet),
	)
	defer func() {
		logFinish(ctx, start, err)
	}()
	err = d.db.GetContext(ctx, dest, query, args...)
	return err
}

func (d *DB) SelectContext(ctx context.Context, dest any, query string, args ...any) (err error) {
	start := time.Now()
	ctx = logctx.WithAttrs(ctx,
		slog.Int(keyParamCount, len(args)),
		slog.String(keyOperation, operationQuery),
	)
	defer func() {
		logFinish(ctx, start, err)
	}()
	err = d.db.SelectContext(ctx, dest, query, args...)
	return err
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (res sql.Result, err error) {
	start := time.Now()
	ctx = logctx.WithAttrs(ctx,
		slog.Int(keyParamCount, len(args)),
		slog.String(keyOperation, operationExec),
	)
	defer func() {
		logFinish(ctx, start, err)
	}()
	res, err = d.db.ExecContext(ctx, query, args...)
	return res, err
}

// Transact runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (d *DB) Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	start := time.Now()
	ctx = logctx.WithField(ctx, keyOperation, operationTx)
	defer func() {
		logFinish(ctx, start, err)
	}()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	err = tx.Commit()
	return err
}

func (d *DB) PingContext(ctx context.Context) (err error) {
	start := time.Now()
	ctx = logctx.WithField(ctx, keyOperation, operationPing)
	defer func() {
		logFinish(ctx, start, err)
	}()
	err = d.db.PingContext(ctx)
	return err
}

func (d *DB) Close() (err error) {
	ctx := logctx.WithField(context.Background(), keyOperation, operationClose)
	start := time.Now()
	defer func() {
		logFinish(ctx, start, err)
	}()
	err = d.db.Close()
	return err
}

func logFinish(ctx context.Context, start time.Time, err error) {
	attrs := []slog.Attr{slog.Duration(keyDuration, time.Since(start))}
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
		slog.LogAttrs(ctx, slog.LevelWarn, "database operation failed", attrs...)
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "database operation finished", attrs...)
}
