// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	eventbusredis "permitflow/internal/shared/eventbus/redis"
	queueredis "permitflow/internal/shared/queue/redis"
)

// attachRedis 连接 Redis 并创建队列与消息总线
func (i *Infrastructure) attachRedis(redisURL string) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return wrapInit("redis", fmt.Errorf("failed to parse Redis URL: %w", err))
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return wrapInit("redis", fmt.Errorf("failed to connect to Redis: %w", err))
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	i.redis = client
	i.Queue = queueredis.NewStoreFromClient(client)
	i.Bus = eventbusredis.NewStoreFromClient(client)
	return nil
}
