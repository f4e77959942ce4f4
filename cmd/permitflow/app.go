package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"permitflow/internal/config"
	"permitflow/internal/extract"
	"permitflow/internal/orchestrator"
	"permitflow/internal/reaper"
	"permitflow/internal/sandbox/docker"
	"permitflow/internal/shared/infra"
	objstore "permitflow/internal/shared/minio"
	"permitflow/pkg/logging"
	"permitflow/pkg/telemetry"
)

// app 各子命令共享的依赖
type app struct {
	cfg      *config.Config
	infra    *infra.Infrastructure
	registry prometheus.Registerer
	tp       *sdktrace.TracerProvider

	// 以下仅在需要执行流水线时初始化
	provider *docker.Provider
	orch     *orchestrator.Orchestrator
}

// newApp 加载配置并连接存储、队列与总线
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.Printf("Config: %s", cfg.String())
	if cfg.ConfigFilePath != "" {
		log.Printf("Config file: %s", cfg.ConfigFilePath)
	}

	a := &app{cfg: cfg, registry: prometheus.DefaultRegisterer}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		a.tp = tp
	}

	a.infra, err = infra.New(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// withPipeline 初始化 Docker、MinIO 与编排器
func (a *app) withPipeline(ctx context.Context) error {
	objects, err := objstore.NewClient(a.cfg.MinIO)
	if err != nil {
		return err
	}
	if err := objects.EnsureBuckets(ctx, a.cfg.MinIO.OutputsBucket); err != nil {
		return err
	}

	if err := a.withProvider(ctx); err != nil {
		return err
	}

	a.orch = orchestrator.New(orchestrator.OptionsFromConfig(a.cfg), orchestrator.Deps{
		Provider: a.provider,
		Store:    a.infra.Storage,
		Objects:  objects,
		Sink: orchestrator.MultiSink{
			orchestrator.StoreSink{Store: a.infra.Storage},
			orchestrator.BusSink{Bus: a.infra.Bus},
		},
		Extractor: extract.New(a.cfg.Extract),
		Metrics:   orchestrator.NewMetrics(a.registry, "permitflow"),
		Log:       logging.Default("orchestrator"),
	})
	return nil
}

// withProvider 连接 Docker
func (a *app) withProvider(ctx context.Context) error {
	if a.provider != nil {
		return nil
	}
	provider, err := docker.New(docker.Options{
		MaxInitialLease: a.cfg.Sandbox.MaxInitialLease,
		PollInterval:    a.cfg.Supervisor.PollInterval,
	})
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := provider.Ping(pingCtx); err != nil {
		provider.Close()
		return fmt.Errorf("docker unreachable: %w", err)
	}
	a.provider = provider
	return nil
}

// janitor 按配置创建定时回收器，未启用时返回 nil
func (a *app) janitor(ctx context.Context) (*reaper.Janitor, error) {
	if !a.cfg.Janitor.Enabled {
		return nil, nil
	}
	if err := a.withProvider(ctx); err != nil {
		return nil, err
	}
	return reaper.New(a.provider, a.cfg.Janitor, a.registry, logging.Default("reaper"))
}

func (a *app) close() {
	if a.provider != nil {
		a.provider.Close()
	}
	if a.infra != nil {
		if err := a.infra.Close(); err != nil {
			log.Printf("Infrastructure close error: %v", err)
		}
	}
	if a.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tp.Shutdown(ctx); err != nil {
			log.Printf("Tracer shutdown error: %v", err)
		}
	}
}
