package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/audit"
)

// AuditRepo реализует audit.StorageInterface поверх Postgres.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

const auditColumns = 11

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	query, vals := buildAuditInsert(events)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// buildAuditInsert строит один многострочный INSERT для пачки.
func buildAuditInsert(events []audit.AuditEvent) (string, []any) {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditColumns)

	sb.WriteString("INSERT INTO audit_logs (id, agent_id, call_id, tool, event_type, args_hash, result_hash, status, reason, duration_ms, timestamp) VALUES ")
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for c := 1; c <= auditColumns; c++ {
			if c > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*auditColumns+c)
		}
		sb.WriteByte(')')

		vals = append(vals,
			e.ID, e.AgentID, e.CallID, e.Tool, e.EventType,
			nullable(e.ArgsHash), nullable(e.ResultHash),
			e.Status, nullable(e.Reason), e.DurationMs, e.Timestamp,
		)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), vals
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
