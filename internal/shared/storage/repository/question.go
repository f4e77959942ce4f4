// Package repository 承包商问题（contractor_answers）相关的存储操作
package repository

import (
	"context"
	"fmt"

	"permitflow/internal/shared/model"
	"permitflow/internal/shared/storage"
)

const questionColumns = `id, project_id, question_key, question_text, question_type, options, context,
	correction_item_id, answer_text, is_answered, output_id, created_at, updated_at`

// ReplaceUnansweredQuestions 替换项目的未回答问题
//
// 已回答的问题保留；删除与插入在同一事务内完成。
func (s *Store) ReplaceUnansweredQuestions(ctx context.Context, projectID string, qs []*model.Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := s.rebind(`DELETE FROM contractor_answers WHERE project_id = $1 AND is_answered = ` +
		s.dialect.BooleanLiteral(false))
	if _, err := tx.ExecContext(ctx, del, projectID); err != nil {
		return fmt.Errorf("delete unanswered questions: %w", err)
	}

	if len(qs) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO contractor_answers (`+questionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := timestamp()
		for _, q := range qs {
			q.ProjectID = projectID
			if q.CreatedAt.IsZero() {
				q.CreatedAt = now
			}
			if q.UpdatedAt.IsZero() {
				q.UpdatedAt = now
			}
			if _, err := stmt.ExecContext(ctx,
				q.ID, q.ProjectID, q.QuestionKey, q.QuestionText, q.QuestionType, q.Options, q.Context,
				q.CorrectionItemID, q.AnswerText, q.IsAnswered, q.OutputID, q.CreatedAt, q.UpdatedAt); err != nil {
				return fmt.Errorf("insert question %s: %w", q.QuestionKey, s.mapErr(err))
			}
		}
	}

	return tx.Commit()
}

// ListQuestions 列出项目问题；answeredOnly 为 true 时仅返回已回答的
func (s *Store) ListQuestions(ctx context.Context, projectID string, answeredOnly bool) ([]*model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM contractor_answers WHERE project_id = $1`
	if answeredOnly {
		query += ` AND is_answered = ` + s.dialect.BooleanLiteral(true)
	}
	query += ` ORDER BY created_at ASC, question_key ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var qs []*model.Question
	for rows.Next() {
		q := &model.Question{}
		if err := rows.Scan(
			&q.ID, &q.ProjectID, &q.QuestionKey, &q.QuestionText, &q.QuestionType, &q.Options, &q.Context,
			&q.CorrectionItemID, &q.AnswerText, &q.IsAnswered, &q.OutputID, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	return qs, rows.Err()
}

// AnswerQuestion 记录回答
func (s *Store) AnswerQuestion(ctx context.Context, id, answer string) error {
	query := s.rebind(`UPDATE contractor_answers SET answer_text = $1, is_answered = ` +
		s.dialect.BooleanLiteral(true) + `, updated_at = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, answer, timestamp(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("question %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
