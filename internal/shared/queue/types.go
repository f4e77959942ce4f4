// Package queue 消息队列类型定义
package queue

import (
	"time"
)

// RunMessage 运行分发消息
type RunMessage struct {
	ID         string
	ProjectID  string
	UserID     string
	FlowType   string
	EnqueuedAt time.Time
}

const (
	// KeyRuns 运行分发 Stream
	KeyRuns = "permitflow:runs"

	// RunConsumerGroup Worker 消费者组
	RunConsumerGroup = "workers"

	// MaxStreamLength Stream 近似最大长度
	MaxStreamLength = 10000
)
