package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"permitflow/internal/shared/model"
)

// ============================================================================
// 承包商问题归一化
// ============================================================================

// questionShape contractor_questions.json 的已知外层结构
type questionShape struct {
	Questions      []map[string]any `json:"questions"`
	QuestionGroups []struct {
		Questions []map[string]any `json:"questions"`
	} `json:"question_groups"`
}

// 每个字段依次尝试的候选键
var (
	keyFields     = []string{"question_id", "key", "question_key", "id"}
	textFields    = []string{"context", "question", "question_text", "text"}
	contextFields = []string{"context", "why"}
	itemFields    = []string{"correction_item_id", "item_id"}
)

// NormalizeQuestions 把 contractor_questions.json 的三种结构统一为问题列表
//
//	[ {...}, ... ]
//	{"question_groups": [{"questions": [...]}]}
//	{"questions": [...]}
//
// 其他结构返回空列表。
func NormalizeQuestions(raw json.RawMessage) ([]*model.Question, error) {
	entries, err := questionEntries(raw)
	if err != nil {
		return nil, err
	}

	qs := make([]*model.Question, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		qs = append(qs, normalizeQuestion(e))
	}
	return qs, nil
}

func questionEntries(raw json.RawMessage) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var list []map[string]any
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode question list: %w", err)
		}
		return list, nil

	case strings.HasPrefix(trimmed, "{"):
		var shape questionShape
		if err := json.Unmarshal(raw, &shape); err != nil {
			return nil, fmt.Errorf("decode question document: %w", err)
		}
		if len(shape.QuestionGroups) > 0 {
			var list []map[string]any
			for _, g := range shape.QuestionGroups {
				list = append(list, g.Questions...)
			}
			return list, nil
		}
		return shape.Questions, nil
	}
	return nil, nil
}

func normalizeQuestion(e map[string]any) *model.Question {
	q := &model.Question{
		ID:           uuid.NewString(),
		QuestionKey:  firstString(e, keyFields...),
		QuestionText: firstString(e, textFields...),
		QuestionType: model.QuestionText,
	}
	if q.QuestionKey == "" {
		q.QuestionKey = "q_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	if t := firstString(e, "type"); t != "" {
		q.QuestionType = model.QuestionType(t)
	}
	if opts, ok := e["options"]; ok && truthy(opts) {
		q.QuestionType = model.QuestionSelect
		if s, isString := opts.(string); isString {
			q.Options = &s
		} else if data, err := json.Marshal(opts); err == nil {
			s := string(data)
			q.Options = &s
		}
	}

	if s := firstString(e, contextFields...); s != "" {
		q.Context = &s
	}
	if s := firstString(e, itemFields...); s != "" {
		q.CorrectionItemID = &s
	}
	return q
}

// firstString 返回第一个非空候选键的值（数字按文本处理）
func firstString(e map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := e[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v != 0 {
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	}
	return true
}
