// Package redis 基于 Redis Streams 的运行分发队列
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"permitflow/internal/shared/queue"
)

// Store Redis 队列存储
type Store struct {
	client *redis.Client
}

var _ queue.RunQueue = (*Store)(nil)

// NewStoreFromURL 从 URL 创建 Redis 队列实例
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Queue] Connected to %s", opts.Addr)
	return &Store{client: client}, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建队列实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// EnqueueRun 将运行请求加入分发队列
func (s *Store) EnqueueRun(ctx context.Context, msg *queue.RunMessage) (string, error) {
	enqueuedAt := msg.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: queue.KeyRuns,
		MaxLen: queue.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"project_id":  msg.ProjectID,
			"user_id":     msg.UserID,
			"flow_type":   msg.FlowType,
			"enqueued_at": enqueuedAt.Format(time.RFC3339Nano),
		},
	}
	return s.client.XAdd(ctx, args).Result()
}

// CreateConsumerGroup 创建 Worker 消费者组
func (s *Store) CreateConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyRuns, queue.RunConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// ConsumeRuns 消费分发队列中的运行请求
func (s *Store) ConsumeRuns(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.RunMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.RunConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyRuns, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var messages []*queue.RunMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, parseRunMessage(msg))
		}
	}
	return messages, nil
}

func parseRunMessage(msg redis.XMessage) *queue.RunMessage {
	m := &queue.RunMessage{ID: msg.ID}
	if v, ok := msg.Values["project_id"].(string); ok {
		m.ProjectID = v
	}
	if v, ok := msg.Values["user_id"].(string); ok {
		m.UserID = v
	}
	if v, ok := msg.Values["flow_type"].(string); ok {
		m.FlowType = v
	}
	if v, ok := msg.Values["enqueued_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.EnqueuedAt = t
		}
	}
	return m
}

// AckRun 确认运行消息已处理
func (s *Store) AckRun(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyRuns, queue.RunConsumerGroup, messageID).Err()
}
