// Package eventbus 项目消息事件总线
//
// 运行日志在写入 messages 表的同时发布到总线，
// WebSocket 订阅者据此实时获取进度，不必轮询数据库。
package eventbus

import (
	"context"
	"time"
)

// MessageEvent 运行日志事件
type MessageEvent struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	// KeyProjectMessages Stream key 前缀
	KeyProjectMessages = "permitflow:messages:"

	// MaxStreamLength 每个项目保留的近似最大消息数
	MaxStreamLength = 1000
)

// MessageBus 消息总线接口
type MessageBus interface {
	PublishMessage(ctx context.Context, event *MessageEvent) error
	// SubscribeMessages 订阅项目的新消息，ctx 取消后通道关闭
	SubscribeMessages(ctx context.Context, projectID string) (<-chan *MessageEvent, error)
	Close() error
}
