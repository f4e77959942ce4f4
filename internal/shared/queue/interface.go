// Package queue 运行分发队列抽象
//
// HTTP 触发端只负责入队，Worker 消费后执行流水线。
// 生产环境由 Redis Streams 实现，单进程部署使用内存实现。
package queue

import (
	"context"
	"time"
)

// RunQueue 运行分发队列接口
type RunQueue interface {
	// EnqueueRun 入队，返回消息 ID
	EnqueueRun(ctx context.Context, msg *RunMessage) (string, error)
	// CreateConsumerGroup 创建消费者组（幂等）
	CreateConsumerGroup(ctx context.Context) error
	// ConsumeRuns 阻塞读取最多 count 条消息，超时返回空列表
	ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RunMessage, error)
	// AckRun 确认消息已处理
	AckRun(ctx context.Context, messageID string) error
	Close() error
}
