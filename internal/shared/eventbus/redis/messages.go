// Package redis 基于 Redis Streams 的消息总线
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"permitflow/internal/shared/eventbus"
)

// Store Redis 消息总线
type Store struct {
	client *redis.Client
}

var _ eventbus.MessageBus = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建消息总线
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

func streamKey(projectID string) string {
	return eventbus.KeyProjectMessages + projectID
}

// PublishMessage 发布运行日志
func (s *Store) PublishMessage(ctx context.Context, event *eventbus.MessageEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: streamKey(event.ProjectID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"role":      event.Role,
			"content":   event.Content,
			"timestamp": ts.Format(time.RFC3339Nano),
		},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// SubscribeMessages 订阅项目消息（只接收订阅之后的新消息）
func (s *Store) SubscribeMessages(ctx context.Context, projectID string) (<-chan *eventbus.MessageEvent, error) {
	key := streamKey(projectID)
	ch := make(chan *eventbus.MessageEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   50,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Message subscription error: project_id=%s err=%v", projectID, err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- parseMessage(projectID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func parseMessage(projectID string, msg redis.XMessage) *eventbus.MessageEvent {
	e := &eventbus.MessageEvent{ID: msg.ID, ProjectID: projectID}
	if v, ok := msg.Values["role"].(string); ok {
		e.Role = v
	}
	if v, ok := msg.Values["content"].(string); ok {
		e.Content = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Timestamp = t
		}
	}
	return e
}
