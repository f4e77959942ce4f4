// Package worker 运行分发队列的消费者
//
// 每条消息对应一次流水线运行。并发度由信号量限制，
// 每个运行独占自己的执行环境。运行失败已由编排器写回项目状态，
// 因此消息无论成败都会确认；重试即重新触发。
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"permitflow/internal/config"
	"permitflow/internal/orchestrator"
	"permitflow/internal/shared/model"
	"permitflow/internal/shared/queue"
	"permitflow/pkg/logging"
)

// Runner 执行一次运行
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) error
}

// Worker 队列消费者
type Worker struct {
	queue    queue.RunQueue
	runner   Runner
	consumer string
	block    time.Duration
	slots    chan struct{}
	wg       sync.WaitGroup
	log      *logging.Logger

	// retryDelay 消费出错后的等待时间
	retryDelay time.Duration
}

// New 创建 Worker
func New(q queue.RunQueue, runner Runner, cfg config.WorkerConfig, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Default("worker")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	return &Worker{
		queue:      q,
		runner:     runner,
		consumer:   cfg.Consumer,
		block:      cfg.BlockTimeout,
		slots:      make(chan struct{}, cfg.Concurrency),
		log:        log,
		retryDelay: time.Second,
	}
}

// Start 消费队列直到 ctx 取消，返回前等待进行中的运行结束
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.CreateConsumerGroup(ctx); err != nil {
		return err
	}
	w.log.Info("Worker started", "consumer", w.consumer, "concurrency", cap(w.slots))
	defer func() {
		w.wg.Wait()
		w.log.Info("Worker stopped", "consumer", w.consumer)
	}()

	for {
		// 先占槽位再取消息
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		msgs, err := w.queue.ConsumeRuns(ctx, w.consumer, 1, w.block)
		if err != nil {
			<-w.slots
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			w.log.WithError(err).Warn("Consume failed")
			select {
			case <-time.After(w.retryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if len(msgs) == 0 {
			<-w.slots
			continue
		}

		msg := msgs[0]
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.handle(ctx, msg)
		}()
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.RunMessage) {
	log := w.log.WithProjectID(msg.ProjectID).WithFlow(msg.FlowType)
	defer w.ack(msg, log)

	flowType := model.FlowType(msg.FlowType)
	if !flowType.Valid() {
		log.Warn("Dropping run with unknown flow type", "msg_id", msg.ID)
		return
	}

	if !msg.EnqueuedAt.IsZero() {
		log.Info("Run dequeued", "msg_id", msg.ID, "queued_ms", time.Since(msg.EnqueuedAt).Milliseconds())
	}

	err := w.runner.Run(ctx, orchestrator.Request{
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Flow:      flowType,
	})
	if err != nil {
		log.WithError(err).Warn("Run failed", "msg_id", msg.ID)
		return
	}
	log.Info("Run finished", "msg_id", msg.ID)
}

// ack 使用独立上下文，关闭过程中也能确认
func (w *Worker) ack(msg *queue.RunMessage, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.AckRun(ctx, msg.ID); err != nil {
		log.WithError(err).Warn("Ack failed", "msg_id", msg.ID)
	}
}
