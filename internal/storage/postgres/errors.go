package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// SQLSTATE-коды, у которых есть доменный смысл.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// translate переводит ошибки PostgreSQL в доменные, сохраняя исходную в цепочке.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case codeLockNotAvailable:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrLockTimeout, err)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrSerializationFailure, err)
	case codeCheckViolation:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStockNegative, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
