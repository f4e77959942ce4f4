package flow

import "permitflow/internal/shared/model"

// Budget Agent 运行上限
type Budget struct {
	MaxTurns     int
	MaxBudgetUSD float64
}

var budgets = map[model.FlowType]Budget{
	model.FlowCityReview:          {MaxTurns: 500, MaxBudgetUSD: 50},
	model.FlowCorrectionsAnalysis: {MaxTurns: 500, MaxBudgetUSD: 50},
	model.FlowCorrectionsResponse: {MaxTurns: 150, MaxBudgetUSD: 20},
}

// BudgetFor 返回流程的轮次与费用上限
func BudgetFor(flowType model.FlowType) Budget {
	if b, ok := budgets[flowType]; ok {
		return b
	}
	return budgets[model.FlowCorrectionsResponse]
}

var requiredOutputs = map[model.FlowType][]string{
	model.FlowCityReview: {
		"sheet-manifest.json",
		"findings-arch-a.json",
		"findings-arch-b.json",
		"findings-site-civil.json",
		"findings-structural.json",
		"findings-mep-energy.json",
		"state_compliance.json",
		"city_compliance.json",
		"draft_corrections.json",
		"draft_corrections.md",
		"review_summary.json",
	},
	model.FlowCorrectionsAnalysis: {
		"corrections_parsed.json",
		"sheet-manifest.json",
		"state_law_findings.json",
		"city_discovery.json",
		"sheet_observations.json",
		"city_research_findings.json",
		"corrections_categorized.json",
		"contractor_questions.json",
	},
	model.FlowCorrectionsResponse: {
		"response_letter.md",
		"professional_scope.md",
		"corrections_report.md",
		"sheet_annotations.json",
	},
}

// RequiredOutputs 流程结束时输出目录应包含的文件
func RequiredOutputs(flowType model.FlowType) []string {
	out := make([]string, len(requiredOutputs[flowType]))
	copy(out, requiredOutputs[flowType])
	return out
}

// MissingOutputs 对比实际文件名，返回缺失的必需输出（保持声明顺序）
func MissingOutputs(flowType model.FlowType, present []string) []string {
	have := make(map[string]bool, len(present))
	for _, name := range present {
		have[name] = true
	}
	var missing []string
	for _, name := range requiredOutputs[flowType] {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
