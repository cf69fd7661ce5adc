package storage

import (
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// NormalizeValue converts driver-specific values into the types callers
// work with: NUMERIC becomes decimal.Decimal and UUID becomes its string
// form. Other values are returned as is.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		return numericValue(val)
	case *pgtype.Numeric:
		if val == nil {
			return nil
		}
		return numericValue(*val)
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.UUID:
		if !val.Valid {
			return nil
		}
		return uuid.UUID(val.Bytes).String()
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = NormalizeValue(e)
		}
		return out
	}
	return v
}

func numericValue(n pgtype.Numeric) any {
	switch {
	case !n.Valid:
		return nil
	case n.NaN:
		return math.NaN()
	case n.InfinityModifier == pgtype.Infinity:
		return math.Inf(1)
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return math.Inf(-1)
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

// normalizeRow applies NormalizeValue to every column of row in place.
func normalizeRow(row Row) Row {
	for k, v := range row {
		row[k] = NormalizeValue(v)
	}
	return row
}
