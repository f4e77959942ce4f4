// Package reaper 定期回收租期已过的沙箱容器
//
// 编排器在运行结束时总会停止自己的环境；Janitor 负责兜底，
// 清理进程崩溃或宿主重启后遗留的容器。
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"permitflow/internal/config"
	"permitflow/pkg/logging"
)

// Sweeper 删除过期环境，返回删除数量（docker.Provider 实现）
type Sweeper interface {
	Reap(ctx context.Context, grace time.Duration) (int, error)
}

// Janitor 按 cron 计划调用 Sweeper
type Janitor struct {
	sweeper  Sweeper
	schedule string
	grace    time.Duration
	timeout  time.Duration
	cron     *cron.Cron
	log      *logging.Logger

	reaped prometheus.Counter
	errors prometheus.Counter
}

// New 创建 Janitor；reg 为 nil 时指标不注册
func New(s Sweeper, cfg config.JanitorConfig, reg prometheus.Registerer, log *logging.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	if log == nil {
		log = logging.Default("reaper")
	}

	factory := promauto.With(reg)
	return &Janitor{
		sweeper:  s,
		schedule: cfg.Schedule,
		grace:    cfg.Grace,
		timeout:  2 * time.Minute,
		log:      log,
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "permitflow",
			Subsystem: "janitor",
			Name:      "sandboxes_reaped_total",
			Help:      "Expired sandbox containers removed by the janitor",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "permitflow",
			Subsystem: "janitor",
			Name:      "sweep_errors_total",
			Help:      "Janitor sweeps that failed to list sandboxes",
		}),
	}, nil
}

// Sweep 执行一次回收
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.sweeper.Reap(ctx, j.grace)
	if err != nil {
		j.errors.Inc()
		j.log.WithError(err).Warn("Sandbox sweep failed")
		return n, err
	}
	j.reaped.Add(float64(n))
	if n > 0 {
		j.log.WithDuration(time.Since(start)).Info("Sandbox sweep finished", "removed", n)
	}
	return n, nil
}

// Start 启动定时回收，ctx 取消后停止并等待进行中的回收结束
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := j.cron.AddFunc(j.schedule, func() {
		_, _ = j.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("add janitor job: %w", err)
	}

	j.cron.Start()
	j.log.Info("Janitor started", "schedule", j.schedule, "grace", j.grace.String(), "entry_id", int(entryID))

	go func() {
		<-ctx.Done()
		<-j.cron.Stop().Done()
		j.log.Info("Janitor stopped")
	}()
	return nil
}
