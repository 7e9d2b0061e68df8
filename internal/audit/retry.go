package audit

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryable reports whether an append failure is worth retrying. Only
// transient storage conditions qualify; constraint violations and other
// permanent errors surface immediately.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P03":
			return true
		}
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}
