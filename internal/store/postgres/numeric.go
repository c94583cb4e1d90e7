package postgres

import (
	"math/big"
	"strings"
)

// Amounts are NUMERIC(78,0) columns. They travel as decimal strings: queries
// cast parameters with ::numeric and select columns with ::text.

func numArg(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func numStrArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNum(s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return v
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func lower(s string) string {
	return strings.ToLower(s)
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}
