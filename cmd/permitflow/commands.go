package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"permitflow/internal/api"
	"permitflow/internal/config"
	"permitflow/internal/extract"
	"permitflow/internal/orchestrator"
	"permitflow/internal/shared/model"
	"permitflow/internal/worker"
	"permitflow/pkg/logging"
)

// signalContext 收到 SIGINT/SIGTERM 时取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func newServeCommand() *cobra.Command {
	var withWorker string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			// 内存队列只能由同进程消费
			inProcess := a.cfg.Worker.Queue == "memory"
			switch withWorker {
			case "true":
				inProcess = true
			case "false":
				inProcess = false
			}

			var wg sync.WaitGroup
			if inProcess {
				if err := startWorker(ctx, a, &wg); err != nil {
					return err
				}
			}

			contract, err := api.LoadContract()
			if err != nil {
				return err
			}
			h := api.NewHandler(api.Deps{
				Queue:     a.infra.Queue,
				Messages:  a.infra.Storage,
				Bus:       a.infra.Bus,
				Extractor: extract.New(a.cfg.Extract),
				Contract:  contract,
				Metrics:   api.NewMetrics(a.registry, "permitflow"),
				Log:       logging.Default("http"),
			})

			srv := &http.Server{
				Addr:              ":" + a.cfg.APIPort,
				Handler:           h.Router(),
				ReadHeaderTimeout: 15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			go func() {
				<-ctx.Done()
				log.Println("Shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Printf("Server shutdown error: %v", err)
				}
			}()

			log.Printf("permitflow API listening on :%s [env=%s worker=%t]", a.cfg.APIPort, a.cfg.Env, inProcess)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}

			h.Wait()
			wg.Wait()
			log.Println("Server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&withWorker, "worker", "auto", "Run the queue worker in-process: auto|true|false (auto = only for the memory queue)")
	return cmd
}

// ============================================================================
// worker
// ============================================================================

func newWorkerCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the run queue and execute pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: api.MetricsHandler(nil), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Printf("Metrics server error: %v", err)
					}
				}()
				defer srv.Close()
				log.Printf("Worker metrics on %s/metrics", metricsAddr)
			}

			var wg sync.WaitGroup
			if err := startWorker(ctx, a, &wg); err != nil {
				return err
			}
			wg.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9102", "Address for the Prometheus endpoint (empty to disable)")
	return cmd
}

// startWorker 启动队列消费与定时回收
func startWorker(ctx context.Context, a *app, wg *sync.WaitGroup) error {
	if err := a.withPipeline(ctx); err != nil {
		return err
	}

	j, err := a.janitor(ctx)
	if err != nil {
		return err
	}
	if j != nil {
		if err := j.Start(ctx); err != nil {
			return err
		}
	}

	w := worker.New(a.infra.Queue, a.orch, a.cfg.Worker, logging.Default("worker"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Start(ctx); err != nil {
			log.Printf("Worker error: %v", err)
		}
	}()
	return nil
}

// ============================================================================
// run
// ============================================================================

func newRunCommand() *cobra.Command {
	var projectID, userID, flowType string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := model.FlowType(flowType)
			if !f.Valid() {
				return fmt.Errorf("unknown flow type %q", flowType)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.withPipeline(ctx); err != nil {
				return err
			}

			start := time.Now()
			err = a.orch.Run(ctx, orchestrator.Request{ProjectID: projectID, UserID: userID, Flow: f})
			if err != nil {
				return fmt.Errorf("run failed after %s: %w", time.Since(start).Round(time.Second), err)
			}
			log.Printf("Run completed in %s", time.Since(start).Round(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project ID")
	cmd.Flags().StringVar(&userID, "user", "", "User ID (owner of the project files)")
	cmd.Flags().StringVar(&flowType, "flow", string(model.FlowCityReview), "Flow type: city-review|corrections-analysis|corrections-response")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// ============================================================================
// migrate / reap
// ============================================================================

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			log.Printf("Schema is up to date [driver=%s]", a.cfg.DatabaseDriver)
			return nil
		},
	}
}

func newReapCommand() *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove sandbox containers whose lease has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// reap 只需要 Docker，不连接数据库与队列
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a := &app{cfg: cfg}
			defer a.close()

			if grace >= 0 {
				a.cfg.Janitor.Grace = grace
			}
			a.cfg.Janitor.Enabled = true
			j, err := a.janitor(ctx)
			if err != nil {
				return err
			}
			n, err := j.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Printf("Reaped %d sandbox(es)", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", -1, "Grace period after the lease deadline (default from config)")
	return cmd
}
