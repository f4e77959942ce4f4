// Package queue 内存队列实现
package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// MemoryQueue 进程内队列（单进程 serve 模式和测试使用）
//
// 消息不持久化，进程退出即丢失；Ack 为空操作。
type MemoryQueue struct {
	ch  chan *RunMessage
	seq atomic.Int64
}

var _ RunQueue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryQueue{ch: make(chan *RunMessage, capacity)}
}

// EnqueueRun 入队；队列已满时返回错误而不阻塞请求
func (q *MemoryQueue) EnqueueRun(ctx context.Context, msg *RunMessage) (string, error) {
	m := *msg
	m.ID = fmt.Sprintf("%d-0", q.seq.Add(1))
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	select {
	case q.ch <- &m:
		return m.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", fmt.Errorf("run queue is full (capacity %d)", cap(q.ch))
	}
}

func (q *MemoryQueue) CreateConsumerGroup(ctx context.Context) error {
	return nil
}

// ConsumeRuns 等待第一条消息，之后非阻塞地取满 count 条
func (q *MemoryQueue) ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RunMessage, error) {
	if count <= 0 {
		count = 1
	}
	timer := time.NewTimer(blockTimeout)
	defer timer.Stop()

	var out []*RunMessage
	select {
	case m := <-q.ch:
		out = append(out, m)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for int64(len(out)) < count {
		select {
		case m := <-q.ch:
			out = append(out, m)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (q *MemoryQueue) AckRun(ctx context.Context, messageID string) error {
	return nil
}

// Len 当前排队数
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	return nil
}
