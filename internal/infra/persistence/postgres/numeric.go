package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal into a pgtype.Numeric; nil stays NULL.
func numericFromOptional(ptr *decimal.Decimal) (pgtype.Numeric, error) {
	if ptr == nil {
		return pgtype.Numeric{}, nil
	}
	return numericFromDecimal(*ptr)
}

// decimalFromText parses a numeric column selected as text.
func decimalFromText(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	trimmed := strings.TrimSpace(value.String)
	if trimmed == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return &d, nil
}
