package orchestrator

import (
	"context"
	"errors"
	"time"

	"permitflow/internal/shared/eventbus"
	"permitflow/internal/shared/model"
	"permitflow/internal/shared/storage"
	"permitflow/pkg/logging"
)

// ============================================================================
// MessageSink - 运行日志出口
// ============================================================================

// MessageSink 运行日志写入接口
//
// 日志可能被静默丢弃：任何实现的失败都不得影响运行本身，
// 调用方统一通过 BestEffort 包装后使用。
type MessageSink interface {
	Send(ctx context.Context, projectID string, role model.MessageRole, content string) error
}

// StoreSink 写入 messages 表
type StoreSink struct {
	Store storage.MessageStore
}

func (s StoreSink) Send(ctx context.Context, projectID string, role model.MessageRole, content string) error {
	return s.Store.AppendMessage(ctx, projectID, role, content)
}

// BusSink 发布到消息总线，供在线订阅者实时查看
type BusSink struct {
	Bus eventbus.MessageBus
}

func (s BusSink) Send(ctx context.Context, projectID string, role model.MessageRole, content string) error {
	return s.Bus.PublishMessage(ctx, &eventbus.MessageEvent{
		ProjectID: projectID,
		Role:      string(role),
		Content:   content,
		Timestamp: time.Now(),
	})
}

// MultiSink 依次写入多个出口，汇总错误
type MultiSink []MessageSink

func (m MultiSink) Send(ctx context.Context, projectID string, role model.MessageRole, content string) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, projectID, role, content); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort 吞掉写入错误，只记录日志
type BestEffort struct {
	sink MessageSink
	log  *logging.Logger
}

// NewBestEffort 包装 sink；sink 为 nil 时所有消息被丢弃
func NewBestEffort(sink MessageSink, log *logging.Logger) *BestEffort {
	if log == nil {
		log = logging.Nop()
	}
	return &BestEffort{sink: sink, log: log}
}

// Emit 发送一条消息，失败不返回错误
func (b *BestEffort) Emit(ctx context.Context, projectID string, role model.MessageRole, content string) {
	if b == nil || b.sink == nil {
		return
	}
	if err := b.sink.Send(ctx, projectID, role, content); err != nil {
		b.log.Warn("message dropped", "project_id", projectID, "role", role, "error", err)
	}
}

// System 发送 system 角色消息
func (b *BestEffort) System(ctx context.Context, projectID, content string) {
	b.Emit(ctx, projectID, model.RoleSystem, content)
}
