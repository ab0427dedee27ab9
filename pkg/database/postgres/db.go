package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
)

const (
	maxSerializationAttempts = 5
	serializationBackoff     = 10 * time.Millisecond
)

// ExecuteRetryable runs fn again while postgres reports a serialization
// failure, up to a small fixed number of attempts.
func ExecuteRetryable(ctx context.Context, fn func() error) error {
	_, err := retry.Retry(
		fn,
		retry.RetriableFunc(IsSerializationFailure),
		retry.Limit(maxSerializationAttempts),
		retry.Context(ctx),
		retry.Backoff(backoff.BinaryExponential(serializationBackoff), time.Second),
	)
	return err
}

// ExecuteInTx runs fn inside a transaction at the requested isolation level.
// The transaction is committed when fn succeeds and rolled back otherwise.
func ExecuteInTx(ctx context.Context, db *sqlx.DB, isolation sql.IsolationLevel, fn func(tx *sqlx.Tx) error) error {
	if isolation == sql.LevelDefault {
		isolation = sql.LevelReadCommitted // Postgres default
	}

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: isolation,
	})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		// We always need to execute a Rollback() so sql.DB releases the connection.
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return errors.Wrap(rollbackErr, "failed to rollback transaction")
		}
		return err
	}

	return tx.Commit()
}

// IsSerializationFailure reports whether err is a postgres serialization
// failure, which is safe to retry.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.SerializationFailure
}

// IsNoRows reports whether err is, or wraps, sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// CheckNoRows returns notFound in place of sql.ErrNoRows and err otherwise.
func CheckNoRows(err, notFound error) error {
	if IsNoRows(err) {
		return notFound
	}
	return err
}
