// Package repository Project/File 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"permitflow/internal/shared/model"
	"permitflow/internal/shared/storage"
)

const projectColumns = `id, user_id, flow_type, project_name, project_address, city, status,
	error_message, is_demo, created_at, updated_at`

// CreateProject 创建项目
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = timestamp()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	query := s.rebind(`
		INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.FlowType, p.ProjectName, p.ProjectAddress, p.City, p.Status,
		p.ErrorMessage, p.IsDemo, p.CreatedAt, p.UpdatedAt)
	return s.mapErr(err)
}

// GetProject 获取项目，不存在时返回 nil, nil
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	query := s.rebind(`SELECT ` + projectColumns + ` FROM projects WHERE id = $1`)
	p, err := scanProject(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// UpdateProjectStatus 更新项目状态
func (s *Store) UpdateProjectStatus(ctx context.Context, id string, status model.ProjectStatus, errMsg *string) error {
	query := s.rebind(`UPDATE projects SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`)
	res, err := s.db.ExecContext(ctx, query, status, errMsg, timestamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func scanProject(row rowScanner) (*model.Project, error) {
	p := &model.Project{}
	err := row.Scan(
		&p.ID, &p.UserID, &p.FlowType, &p.ProjectName, &p.ProjectAddress, &p.City, &p.Status,
		&p.ErrorMessage, &p.IsDemo, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ============================================================================
// Files
// ============================================================================

// CreateFile 登记项目输入文件
func (s *Store) CreateFile(ctx context.Context, f *model.ProjectFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = timestamp()
	}
	query := s.rebind(`
		INSERT INTO files (id, project_id, file_type, filename, storage_path, mime_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.ProjectID, f.FileType, f.Filename, f.StoragePath, f.MimeType, f.SizeBytes, f.CreatedAt)
	return s.mapErr(err)
}

// ListFiles 列出项目的全部输入文件（按登记顺序）
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]*model.ProjectFile, error) {
	query := s.rebind(`SELECT id, project_id, file_type, filename, storage_path, mime_type, size_bytes, created_at
		FROM files WHERE project_id = $1 ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*model.ProjectFile
	for rows.Next() {
		f := &model.ProjectFile{}
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.FileType, &f.Filename, &f.StoragePath,
			&f.MimeType, &f.SizeBytes, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
