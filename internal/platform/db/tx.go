package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// Queryable is the subset of pgx shared by pools, connections and transactions.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxRunner runs fn inside a single database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFromContext returns the transaction carried on ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn picks the transaction on ctx when present, otherwise fallback.
func Conn(ctx context.Context, fallback Queryable) Queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

type Transactor struct {
	db Beginner
}

func NewTransactor(db Beginner) *Transactor {
	return &Transactor{db: db}
}

// InTx begins a transaction, stores it on the context passed to fn and
// commits when fn returns nil. A nested call joins the outer transaction.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if t.db == nil {
		return errors.New("no database configured for transaction")
	}

	tx, err := t.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation,
// optionally restricted to a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
