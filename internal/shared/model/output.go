package model

import (
	"encoding/json"
	"time"
)

// Output 一次运行的产出记录
//
// 同一 (project_id, flow_phase) 的记录按 version 追加，不原地覆盖。
// 各阶段只填充自己的命名字段，其余为空；RawArtifacts 保存全部文件
// （文本/JSON 内嵌，二进制为对象存储路径）。
type Output struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	FlowPhase FlowPhase `json:"flow_phase"`
	Version   int       `json:"version"`

	// review 阶段
	CorrectionsLetterMD      *string         `json:"corrections_letter_md,omitempty"`
	CorrectionsLetterPDFPath *string         `json:"corrections_letter_pdf_path,omitempty"`
	ReviewChecklistJSON      json.RawMessage `json:"review_checklist_json,omitempty"`

	// analysis 阶段
	CorrectionsAnalysisJSON json.RawMessage `json:"corrections_analysis_json,omitempty"`
	ContractorQuestionsJSON json.RawMessage `json:"contractor_questions_json,omitempty"`

	// response 阶段
	ResponseLetterMD      *string `json:"response_letter_md,omitempty"`
	ResponseLetterPDFPath *string `json:"response_letter_pdf_path,omitempty"`
	ProfessionalScopeMD   *string `json:"professional_scope_md,omitempty"`
	CorrectionsReportMD   *string `json:"corrections_report_md,omitempty"`

	RawArtifacts json.RawMessage `json:"raw_artifacts,omitempty"`

	// Agent 运行元数据
	AgentCostUSD    float64 `json:"agent_cost_usd"`
	AgentTurns      int     `json:"agent_turns"`
	AgentDurationMs int64   `json:"agent_duration_ms"`

	CreatedAt time.Time `json:"created_at"`
}
