package agent

import (
	"encoding/json"
	"strings"
)

// EventType 事件类型
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
)

// Block 消息内容块
type Block struct {
	Type      string          `json:"type"` // text / tool_use / tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// Result 运行结束汇总
type Result struct {
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMs   int64   `json:"duration_ms"`
	Text         string  `json:"result"`
}

// Event 解析后的事件
type Event struct {
	Type    EventType
	Subtype string
	Blocks  []Block
	Result  *Result
}

type rawEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ParseEvent 解析一行 stream-json 输出
//
// 非 JSON 行或未知类型返回 (nil, nil)。
func ParseEvent(line string) (*Event, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil, nil
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, nil
	}

	e := &Event{Type: EventType(raw.Type), Subtype: raw.Subtype}
	switch e.Type {
	case EventAssistant, EventUser:
		if raw.Message != nil {
			e.Blocks = parseBlocks(raw.Message.Content)
		}
	case EventResult:
		var r Result
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, err
		}
		e.Result = &r
	case EventSystem:
	default:
		return nil, nil
	}
	return e, nil
}

// parseBlocks content 可能是块数组，也可能是纯字符串
func parseBlocks(content json.RawMessage) []Block {
	if len(content) == 0 {
		return nil
	}
	var blocks []Block
	if err := json.Unmarshal(content, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil && text != "" {
		return []Block{{Type: "text", Text: text}}
	}
	return nil
}

// TaskDescription 从 Task 工具调用中取出子代理描述
func (b Block) TaskDescription() string {
	var in struct {
		Description string `json:"description"`
		Prompt      string `json:"prompt"`
	}
	if len(b.Input) == 0 || json.Unmarshal(b.Input, &in) != nil {
		return ""
	}
	if in.Description != "" {
		return in.Description
	}
	return in.Prompt
}

// IsSubagentSpawn 是否为子代理派生调用
func (b Block) IsSubagentSpawn() bool {
	return b.Type == "tool_use" && (b.Name == "Task" || b.Name == "Agent")
}

// Preview 截断文本用于消息展示（按字符计）
func Preview(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
