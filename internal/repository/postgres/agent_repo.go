package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// AgentRepo хранит статусы агентов (источник истины для kill-switch).
type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

// SetStatus создает агента или меняет его статус. Агенты не удаляются.
func (r *AgentRepo) SetStatus(ctx context.Context, id, status string) error {
	query := `
		INSERT INTO agents (id, status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	return nil
}

// AgentsByStatus возвращает id агентов с заданным статусом (для прогрева кэшей).
func (r *AgentRepo) AgentsByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM agents WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
