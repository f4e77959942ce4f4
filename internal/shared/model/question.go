package model

import "time"

// QuestionType 问题类型
type QuestionType string

const (
	QuestionText        QuestionType = "text"
	QuestionSelect      QuestionType = "select"
	QuestionNumber      QuestionType = "number"
	QuestionChoice      QuestionType = "choice"
	QuestionMeasurement QuestionType = "measurement"
)

// Question 承包商待回答的澄清问题（contractor_answers 表）
//
// 由整改分析阶段的 contractor_questions.json 归一化而来，
// OutputID 指向产生它的产出版本。
type Question struct {
	ID               string       `json:"id"`
	ProjectID        string       `json:"project_id"`
	QuestionKey      string       `json:"question_key"`
	QuestionText     string       `json:"question_text"`
	QuestionType     QuestionType `json:"question_type"`
	Options          *string      `json:"options,omitempty"` // JSON 字符串
	Context          *string      `json:"context,omitempty"`
	CorrectionItemID *string      `json:"correction_item_id,omitempty"`
	AnswerText       *string      `json:"answer_text,omitempty"`
	IsAnswered       bool         `json:"is_answered"`
	OutputID         *string      `json:"output_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
