package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL. Fill exports,
// fill corrections and terminal job failures are recorded here.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Record appends entry. Detail is stored as JSONB.
func (s *AuditStore) Record(ctx context.Context, entry domain.AuditEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	const q = `INSERT INTO audit_log (kind, subject, detail) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, string(entry.Kind), entry.Subject, detail); err != nil {
		return fmt.Errorf("postgres: record audit %s %s: %w", entry.Kind, entry.Subject, err)
	}
	return nil
}

// List returns entries matching filter, newest first.
func (s *AuditStore) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	var where []string
	args := pgx.NamedArgs{}
	if filter.Kind != "" {
		where = append(where, "kind = @kind")
		args["kind"] = string(filter.Kind)
	}
	if filter.Subject != "" {
		where = append(where, "subject = @subject")
		args["subject"] = filter.Subject
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= @since")
		args["since"] = filter.Since
	}

	q := `SELECT id, kind, subject, detail, created_at FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if filter.Limit > 0 {
		q += " LIMIT @limit"
		args["limit"] = filter.Limit
	}

	rows, err := s.pool.Query(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			kind   string
			detail []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.Subject, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		e.Kind = domain.AuditKind(kind)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: decode audit detail %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit rows: %w", err)
	}
	return out, nil
}
