package eventbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus 进程内消息总线
//
// 订阅者通道有缓冲，满时丢弃新消息，发布方永不阻塞。
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan *MessageEvent]struct{}
	seq  atomic.Int64
}

var _ MessageBus = (*MemoryBus)(nil)

// NewMemoryBus 创建内存总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan *MessageEvent]struct{})}
}

func (b *MemoryBus) PublishMessage(ctx context.Context, event *MessageEvent) error {
	e := *event
	if e.ID == "" {
		e.ID = strconv.FormatInt(b.seq.Add(1), 10)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.ProjectID] {
		select {
		case ch <- &e:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeMessages(ctx context.Context, projectID string) (<-chan *MessageEvent, error) {
	ch := make(chan *MessageEvent, 100)

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[chan *MessageEvent]struct{})
	}
	b.subs[projectID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[projectID], ch)
		if len(b.subs[projectID]) == 0 {
			delete(b.subs, projectID)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Subscribers 当前订阅数
func (b *MemoryBus) Subscribers(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}

func (b *MemoryBus) Close() error {
	return nil
}
