// Package flow 按流程类型生成 Agent 的技能清单、提示词与预算
//
// 本包全部为纯函数，不访问任何外部资源，便于单测。
package flow

import (
	"regexp"
	"strings"

	"permitflow/internal/shared/model"
)

// 技能包名称
const (
	SkillCaliforniaADU       = "california-adu"
	SkillPlanReview          = "adu-plan-review"
	SkillPageViewer          = "adu-targeted-page-viewer"
	SkillCorrectionsFlow     = "adu-corrections-flow"
	SkillCorrectionsComplete = "adu-corrections-complete"
	SkillCityResearch        = "adu-city-research"
)

// OnboardedCities 已接入专属技能包的城市（slug → 技能包）
var OnboardedCities = map[string]string{
	"placentia":  "placentia-adu",
	"buena-park": "buena-park-adu",
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	slugInvalid   = regexp.MustCompile(`[^a-z0-9-]`)
)

// CitySlug 城市名归一化：小写、空白串替换为 -、去掉其他字符
func CitySlug(city string) string {
	s := strings.ToLower(city)
	s = whitespaceRun.ReplaceAllString(s, "-")
	return slugInvalid.ReplaceAllString(s, "")
}

// CitySkill 返回城市专属技能包，未接入时返回空串
func CitySkill(city string) string {
	return OnboardedCities[CitySlug(city)]
}

// IsOnboarded 城市是否已接入
func IsOnboarded(city string) bool {
	return CitySkill(city) != ""
}

// SelectSkills 返回流程需要的技能包列表
//
//   - city-review 只服务已接入城市，从不使用城市调研技能
//   - corrections-analysis 对未接入城市回退到 adu-city-research
//   - corrections-response 只生成交付物，不做调研
func SelectSkills(flowType model.FlowType, city string) []string {
	citySkill := CitySkill(city)

	switch flowType {
	case model.FlowCityReview:
		skills := []string{SkillCaliforniaADU, SkillPlanReview, SkillPageViewer}
		if citySkill != "" {
			skills = append(skills, citySkill)
		}
		return skills

	case model.FlowCorrectionsAnalysis:
		skills := []string{SkillCaliforniaADU, SkillCorrectionsFlow, SkillPageViewer}
		if citySkill != "" {
			skills = append(skills, citySkill)
		} else {
			skills = append(skills, SkillCityResearch)
		}
		return skills

	default:
		skills := []string{SkillCaliforniaADU, SkillCorrectionsComplete}
		if citySkill != "" {
			skills = append(skills, citySkill)
		}
		return skills
	}
}
