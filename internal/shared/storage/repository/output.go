// Package repository Output 相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"permitflow/internal/shared/model"
)

const outputColumns = `id, project_id, flow_phase, version,
	corrections_letter_md, corrections_letter_pdf_path, review_checklist_json,
	corrections_analysis_json, contractor_questions_json,
	response_letter_md, response_letter_pdf_path, professional_scope_md, corrections_report_md,
	raw_artifacts, agent_cost_usd, agent_turns, agent_duration_ms, created_at`

// LatestOutputVersion 返回 (project, phase) 的最大版本号，无记录时为 0
func (s *Store) LatestOutputVersion(ctx context.Context, projectID string, phase model.FlowPhase) (int, error) {
	query := s.rebind(`SELECT COALESCE(MAX(version), 0) FROM outputs WHERE project_id = $1 AND flow_phase = $2`)
	var v int
	if err := s.db.QueryRowContext(ctx, query, projectID, phase).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// CreateOutput 插入一条产出记录
//
// (project_id, flow_phase, version) 唯一，冲突时返回 storage.ErrDuplicate，
// 由调用方重新读取版本号后重试。
func (s *Store) CreateOutput(ctx context.Context, o *model.Output) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = timestamp()
	}
	query := s.rebind(`
		INSERT INTO outputs (` + outputColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, $13, $14::jsonb, $15, $16, $17, $18)
	`)
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.ProjectID, o.FlowPhase, o.Version,
		o.CorrectionsLetterMD, o.CorrectionsLetterPDFPath, nullJSON(o.ReviewChecklistJSON),
		nullJSON(o.CorrectionsAnalysisJSON), nullJSON(o.ContractorQuestionsJSON),
		o.ResponseLetterMD, o.ResponseLetterPDFPath, o.ProfessionalScopeMD, o.CorrectionsReportMD,
		nullJSON(o.RawArtifacts), o.AgentCostUSD, o.AgentTurns, o.AgentDurationMs, o.CreatedAt)
	return s.mapErr(err)
}

// GetLatestOutput 获取 (project, phase) 最新版本，不存在时返回 nil, nil
func (s *Store) GetLatestOutput(ctx context.Context, projectID string, phase model.FlowPhase) (*model.Output, error) {
	query := s.rebind(`SELECT ` + outputColumns + ` FROM outputs
		WHERE project_id = $1 AND flow_phase = $2 ORDER BY version DESC LIMIT 1`)
	o, err := scanOutput(s.db.QueryRowContext(ctx, query, projectID, phase))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// ListOutputs 列出项目全部产出（按阶段、版本排序）
func (s *Store) ListOutputs(ctx context.Context, projectID string) ([]*model.Output, error) {
	query := s.rebind(`SELECT ` + outputColumns + ` FROM outputs
		WHERE project_id = $1 ORDER BY flow_phase ASC, version ASC`)
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []*model.Output
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func scanOutput(row rowScanner) (*model.Output, error) {
	o := &model.Output{}
	var checklist, analysis, questions, raw NullableJSON
	err := row.Scan(
		&o.ID, &o.ProjectID, &o.FlowPhase, &o.Version,
		&o.CorrectionsLetterMD, &o.CorrectionsLetterPDFPath, &checklist.Data,
		&analysis.Data, &questions.Data,
		&o.ResponseLetterMD, &o.ResponseLetterPDFPath, &o.ProfessionalScopeMD, &o.CorrectionsReportMD,
		&raw.Data, &o.AgentCostUSD, &o.AgentTurns, &o.AgentDurationMs, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.ReviewChecklistJSON = checklist.Value()
	o.CorrectionsAnalysisJSON = analysis.Value()
	o.ContractorQuestionsJSON = questions.Value()
	o.RawArtifacts = raw.Value()
	return o, nil
}
