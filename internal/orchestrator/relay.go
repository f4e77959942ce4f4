package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"permitflow/internal/agent"
	"permitflow/internal/sandbox"
	"permitflow/internal/shared/model"
	"permitflow/pkg/logging"
)

// previewRunes assistant 文本预览长度
const previewRunes = 200

// RunStats 单次运行的结果统计（来自 result 事件）
type RunStats struct {
	mu        sync.Mutex
	hasResult bool
	turns     int
	costUSD   float64
	duration  int64
	isError   bool
	subtype   string
}

func (s *RunStats) record(r *agent.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasResult = true
	s.turns = r.NumTurns
	s.costUSD = r.TotalCostUSD
	s.duration = r.DurationMs
	s.isError = r.IsError
	s.subtype = r.Subtype
}

// Snapshot 返回统计快照
func (s *RunStats) Snapshot() (turns int, costUSD float64, durationMs int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns, s.costUSD, s.duration, s.hasResult
}

// Relay 跟踪沙箱内的 Agent 事件文件并转发为运行日志
//
// 任何读取或解析失败都只记录日志，不影响运行。
type Relay struct {
	env       sandbox.Environment
	path      string
	projectID string
	sink      *BestEffort
	tracker   *SubagentTracker
	stats     *RunStats
	interval  time.Duration
	log       *logging.Logger

	offset  int64
	partial []byte

	mu     sync.Mutex // 串行化 poll
	cancel context.CancelFunc
	done   chan struct{}
}

// RelayConfig Relay 参数
type RelayConfig struct {
	Env          sandbox.Environment
	EventsPath   string
	ProjectID    string
	Sink         *BestEffort
	Tracker      *SubagentTracker
	Stats        *RunStats
	PollInterval time.Duration
	Log          *logging.Logger
}

// NewRelay 创建 Relay
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	if cfg.Stats == nil {
		cfg.Stats = &RunStats{}
	}
	return &Relay{
		env:       cfg.Env,
		path:      cfg.EventsPath,
		projectID: cfg.ProjectID,
		sink:      cfg.Sink,
		tracker:   cfg.Tracker,
		stats:     cfg.Stats,
		interval:  cfg.PollInterval,
		log:       cfg.Log,
	}
}

// Start 启动后台轮询
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.poll(ctx)
			}
		}
	}()
}

// Stop 停止后台轮询并等待退出
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Drain 进程退出后读取剩余事件（包括末尾没有换行的最后一行）
func (r *Relay) Drain(ctx context.Context) {
	r.poll(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(bytes.TrimSpace(r.partial)) > 0 {
		r.handleLine(ctx, string(r.partial))
	}
	r.partial = nil
}

func (r *Relay) poll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.env.ReadFile(ctx, r.path, r.offset)
	if err != nil {
		if !errors.Is(err, sandbox.ErrNotExist) && ctx.Err() == nil {
			r.log.Debug("event file read failed", "error", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	r.offset += int64(len(data))
	r.consume(ctx, data)
}

// consume 按行切分，不完整的尾行留到下次
func (r *Relay) consume(ctx context.Context, data []byte) {
	buf := append(r.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		r.handleLine(ctx, string(buf[:i]))
		buf = buf[i+1:]
	}
	r.partial = append([]byte(nil), buf...)
}

func (r *Relay) handleLine(ctx context.Context, line string) {
	e, err := agent.ParseEvent(line)
	if err != nil {
		r.log.Debug("event parse failed", "error", err)
		return
	}
	if e == nil {
		return
	}

	switch e.Type {
	case agent.EventAssistant:
		for _, b := range e.Blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					r.sink.Emit(ctx, r.projectID, model.RoleAssistant, agent.Preview(b.Text, previewRunes))
				}
			case "tool_use":
				r.sink.Emit(ctx, r.projectID, model.RoleTool, b.Name)
				if b.IsSubagentSpawn() && r.tracker != nil {
					r.tracker.TrackSpawn(b.ID, b.TaskDescription())
				}
			}
		}

	case agent.EventUser:
		if r.tracker == nil {
			return
		}
		for _, b := range e.Blocks {
			if b.Type == "tool_result" && b.ToolUseID != "" {
				r.tracker.MarkResolved(b.ToolUseID)
			}
		}

	case agent.EventResult:
		if e.Result == nil {
			return
		}
		r.stats.record(e.Result)
		if r.tracker != nil {
			r.tracker.MarkAllResolved()
		}
		r.sink.System(ctx, r.projectID, resultSummary(e.Result))
	}
}

func resultSummary(res *agent.Result) string {
	return fmt.Sprintf("Completed in %d turns, cost: $%.4f", res.NumTurns, res.TotalCostUSD)
}
