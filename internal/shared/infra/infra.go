// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：持久化存储（SQLite / PostgreSQL）
//   - Queue：运行分发队列（Redis Streams 或进程内）
//   - Bus：项目消息总线（Redis Streams 或进程内）
package infra

import (
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"permitflow/internal/config"
	"permitflow/internal/shared/eventbus"
	"permitflow/internal/shared/queue"
	"permitflow/internal/shared/storage"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	Storage storage.PersistentStore
	Queue   queue.RunQueue
	Bus     eventbus.MessageBus

	// redis 队列与总线共享的底层连接，为 nil 表示内存模式
	redis *redis.Client
}

// New 按配置初始化全部基础设施
func New(cfg *config.Config) (*Infrastructure, error) {
	store, err := OpenStorage(cfg)
	if err != nil {
		return nil, err
	}

	infra := &Infrastructure{Storage: store}

	if cfg.Worker.Queue == "memory" {
		log.Printf("[Infra] Using in-process queue and message bus")
		infra.Queue = queue.NewMemoryQueue(100)
		infra.Bus = eventbus.NewMemoryBus()
		return infra, nil
	}

	if err := infra.attachRedis(cfg.RedisURL); err != nil {
		store.Close()
		return nil, err
	}
	return infra, nil
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	// 队列与总线共享同一个 Redis 连接，只关闭一次
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			lastErr = err
		}
	} else {
		if i.Queue != nil {
			if err := i.Queue.Close(); err != nil {
				lastErr = err
			}
		}
		if i.Bus != nil {
			if err := i.Bus.Close(); err != nil {
				lastErr = err
			}
		}
	}

	return lastErr
}

// NewMemoryInfrastructure 使用给定存储和内存队列/总线（测试与单进程模式）
func NewMemoryInfrastructure(store storage.PersistentStore) *Infrastructure {
	return &Infrastructure{
		Storage: store,
		Queue:   queue.NewMemoryQueue(100),
		Bus:     eventbus.NewMemoryBus(),
	}
}

func wrapInit(component string, err error) error {
	return fmt.Errorf("init %s: %w", component, err)
}
