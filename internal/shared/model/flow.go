// Package model 定义核心数据模型
//
// flow.go 包含流程相关的枚举：
//   - FlowType：流程类型（决定提示词、技能包和预算）
//   - FlowPhase：产出分类标签（由 FlowType 推导）
//   - ProjectStatus：项目生命周期状态
package model

// ============================================================================
// FlowType - 流程类型
// ============================================================================

// FlowType 流程类型（线上协议值）
type FlowType string

const (
	// FlowCityReview 城市审图（单阶段）
	FlowCityReview FlowType = "city-review"

	// FlowCorrectionsAnalysis 整改分析（两阶段流程的前半段，结束后等待承包商回答）
	FlowCorrectionsAnalysis FlowType = "corrections-analysis"

	// FlowCorrectionsResponse 整改回复（两阶段流程的后半段，冷启动，无上一阶段对话记忆）
	FlowCorrectionsResponse FlowType = "corrections-response"
)

// FlowTypes 全部流程类型
var FlowTypes = []FlowType{FlowCityReview, FlowCorrectionsAnalysis, FlowCorrectionsResponse}

// Valid 是否为已知流程类型
func (f FlowType) Valid() bool {
	switch f {
	case FlowCityReview, FlowCorrectionsAnalysis, FlowCorrectionsResponse:
		return true
	}
	return false
}

// Phase 返回流程对应的产出阶段
func (f FlowType) Phase() FlowPhase {
	switch f {
	case FlowCityReview:
		return PhaseReview
	case FlowCorrectionsAnalysis:
		return PhaseAnalysis
	default:
		return PhaseResponse
	}
}

// InitialStatus 流程开始时写入的处理中子状态
func (f FlowType) InitialStatus() ProjectStatus {
	switch f {
	case FlowCorrectionsAnalysis:
		return StatusProcessingPhase1
	case FlowCorrectionsResponse:
		return StatusProcessingPhase2
	default:
		return StatusProcessing
	}
}

// SuccessStatus 流程成功后的状态
//
// 整改分析只是两阶段交互的前半段，成功后进入 awaiting-answers。
func (f FlowType) SuccessStatus() ProjectStatus {
	if f == FlowCorrectionsAnalysis {
		return StatusAwaitingAnswers
	}
	return StatusCompleted
}

// Label 人类可读的流程名称（用于进度消息）
func (f FlowType) Label() string {
	switch f {
	case FlowCityReview:
		return "plan review"
	case FlowCorrectionsAnalysis:
		return "corrections analysis"
	default:
		return "response generation"
	}
}

// ============================================================================
// FlowPhase - 产出阶段
// ============================================================================

// FlowPhase 产出分类标签，与 FlowType 一一对应
type FlowPhase string

const (
	PhaseReview   FlowPhase = "review"
	PhaseAnalysis FlowPhase = "analysis"
	PhaseResponse FlowPhase = "response"
)

// ============================================================================
// ProjectStatus - 项目状态
// ============================================================================

// ProjectStatus 项目生命周期状态（持久化，对前端可见）
type ProjectStatus string

const (
	StatusReady            ProjectStatus = "ready"
	StatusUploading        ProjectStatus = "uploading"
	StatusProcessing       ProjectStatus = "processing"
	StatusProcessingPhase1 ProjectStatus = "processing-phase1"
	StatusAwaitingAnswers  ProjectStatus = "awaiting-answers"
	StatusProcessingPhase2 ProjectStatus = "processing-phase2"
	StatusCompleted        ProjectStatus = "completed"
	StatusFailed           ProjectStatus = "failed"
)

// IsTerminal 是否为终态
func (s ProjectStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsProcessing 是否处于处理中
func (s ProjectStatus) IsProcessing() bool {
	switch s {
	case StatusProcessing, StatusProcessingPhase1, StatusProcessingPhase2:
		return true
	}
	return false
}
