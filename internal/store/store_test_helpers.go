package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// stubDB satisfies every query interface the stores accept. Unset hooks
// succeed without touching dest, except Queryx which reports a closed
// connection.
type stubDB struct {
	getFn    func(ctx context.Context, dest any, query string, args ...any) error
	selectFn func(ctx context.Context, dest any, query string, args ...any) error
	execFn   func(ctx context.Context, query string, args ...any) (sql.Result, error)
	queryxFn func(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// Narrower names used where a test passes only a transaction handle.
type (
	stubExecer = stubDB
	stubGetter = stubDB
	stubTx     = stubDB
)

func (s stubDB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	if s.getFn == nil {
		return nil
	}
	return s.getFn(ctx, dest, query, args...)
}

func (s stubDB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	if s.selectFn == nil {
		return nil
	}
	return s.selectFn(ctx, dest, query, args...)
}

func (s stubDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.execFn == nil {
		return stubResult{}, nil
	}
	return s.execFn(ctx, query, args...)
}

func (s stubDB) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	if s.queryxFn == nil {
		return nil, sql.ErrConnDone
	}
	return s.queryxFn(ctx, query, args...)
}

type stubResult struct {
	rows int64
	err  error
}

func (r stubResult) LastInsertId() (int64, error) { return 0, r.err }
func (r stubResult) RowsAffected() (int64, error) { return r.rows, r.err }
