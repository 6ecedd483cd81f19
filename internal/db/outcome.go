package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Outcome is the result of an insert whose uniqueness violation is expected.
type Outcome int

const (
	Inserted Outcome = iota
	AlreadyExists
)

func (o Outcome) String() string {
	if o == AlreadyExists {
		return "already_exists"
	}
	return "inserted"
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Insert creates value and turns a uniqueness violation into AlreadyExists.
// Any other storage error is returned as is.
func Insert(ctx context.Context, tx *gorm.DB, value interface{}) (Outcome, error) {
	err := tx.WithContext(ctx).Create(value).Error
	switch {
	case err == nil:
		return Inserted, nil
	case IsDuplicate(err):
		return AlreadyExists, nil
	default:
		return Inserted, err
	}
}

// InsertAll creates every row of values (a slice) in one statement.
func InsertAll(ctx context.Context, tx *gorm.DB, values interface{}) (Outcome, error) {
	return Insert(ctx, tx, values)
}
