// Package repository Message 相关的存储操作
package repository

import (
	"context"

	"permitflow/internal/shared/model"
)

// AppendMessage 追加一条运行日志
func (s *Store) AppendMessage(ctx context.Context, projectID string, role model.MessageRole, content string) error {
	query := s.rebind(`INSERT INTO messages (project_id, role, content, created_at) VALUES ($1, $2, $3, $4)`)
	_, err := s.db.ExecContext(ctx, query, projectID, role, content, timestamp())
	return err
}

// ListMessages 按 id 升序返回 afterID 之后的日志
func (s *Store) ListMessages(ctx context.Context, projectID string, afterID int64, limit int) ([]*model.ProjectMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	query := s.rebind(`SELECT id, project_id, role, content, created_at FROM messages
		WHERE project_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`)
	rows, err := s.db.QueryContext(ctx, query, projectID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.ProjectMessage
	for rows.Next() {
		m := &model.ProjectMessage{}
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
