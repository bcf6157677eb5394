package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"horse.fit/trawl/internal/fault"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateAdminShutdown        = "57P01"
	sqlStateCannotConnectNow     = "57P03"
)

// classify tags Postgres errors so the queue can tell a lost race from a
// broken store. Already classified and domain errors pass through.
func classify(err error) error {
	if err == nil || fault.KindOf(err) != fault.KindUnknown {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateSerializationFailure,
			pgErr.Code == sqlStateDeadlockDetected,
			pgErr.Code == sqlStateLockNotAvailable:
			return fault.Wrap(fault.KindTransient, err)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == sqlStateAdminShutdown,
			pgErr.Code == sqlStateCannotConnectNow:
			return fault.Wrap(fault.KindInvariantViolation, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fault.Wrap(fault.KindTransient, err)
	}
	return err
}
