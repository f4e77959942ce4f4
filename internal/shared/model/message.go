package model

import "time"

// MessageRole 消息角色
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ProjectMessage 项目运行日志（messages 表，只追加）
type ProjectMessage struct {
	ID        int64       `json:"id"`
	ProjectID string      `json:"project_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}
