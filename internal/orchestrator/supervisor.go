package orchestrator

import (
	"context"
	"fmt"
	"time"

	"permitflow/internal/sandbox"
	"permitflow/pkg/logging"
)

// RunState Agent 进程监督状态
type RunState string

const (
	StateNotStarted         RunState = "not_started"
	StateLaunching          RunState = "launching"
	StateRunning            RunState = "running"
	StateAwaitingCompletion RunState = "awaiting_completion"
	StateCompleted          RunState = "completed"
	StateFailed             RunState = "failed"
)

// Probe 存活探测（仅用于日志，不影响重试决策）
type Probe func(ctx context.Context) (*sandbox.Status, error)

// Supervisor 对分离进程的有界重试等待
//
// 每次 Wait 失败：计数 +1，执行探测，休眠 Backoff 后重试，
// 达到 MaxAttempts 返回 ErrSupervisionExhausted。本身不设软件超时，
// 环境租期是唯一的超时手段。
type Supervisor struct {
	MaxAttempts int
	Backoff     time.Duration
	Probe       Probe
	Sleep       func(ctx context.Context, d time.Duration) error
	Log         *logging.Logger

	state RunState
}

// Outcome 监督结果
type Outcome struct {
	State    RunState
	ExitCode int
	Attempts int
}

// NewSupervisor 使用默认参数（120 次 × 30 秒）创建监督器
func NewSupervisor(maxAttempts int, backoff time.Duration) *Supervisor {
	if maxAttempts <= 0 {
		maxAttempts = 120
	}
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &Supervisor{MaxAttempts: maxAttempts, Backoff: backoff, state: StateNotStarted}
}

// State 当前状态
func (s *Supervisor) State() RunState {
	if s.state == "" {
		return StateNotStarted
	}
	return s.state
}

func (s *Supervisor) logger() *logging.Logger {
	if s.Log == nil {
		return logging.Nop()
	}
	return s.Log
}

// Launch 分离启动 Agent 命令
func (s *Supervisor) Launch(ctx context.Context, env sandbox.Environment, cmd sandbox.Command) (sandbox.Process, error) {
	s.state = StateLaunching
	proc, err := env.StartDetached(ctx, cmd)
	if err != nil {
		s.state = StateFailed
		return nil, stageErr(StageLaunch, err)
	}
	s.state = StateRunning
	s.logger().Info("agent launched", "exec_id", proc.ID())
	return proc, nil
}

// Await 等待进程退出；非零退出码返回 *AgentExitError
func (s *Supervisor) Await(ctx context.Context, proc sandbox.Process) (*Outcome, error) {
	s.state = StateAwaitingCompletion
	sleep := s.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	log := s.logger()

	attempts := 0
	for {
		attempts++
		log.Info("waiting for agent completion", "attempt", attempts)

		res, err := proc.Wait(ctx)
		if err == nil {
			out := &Outcome{ExitCode: res.ExitCode, Attempts: attempts}
			if res.ExitCode != 0 {
				s.state = StateFailed
				out.State = StateFailed
				return out, &AgentExitError{ExitCode: res.ExitCode}
			}
			s.state = StateCompleted
			out.State = StateCompleted
			log.Info("agent finished", "exit_code", res.ExitCode, "attempts", attempts)
			return out, nil
		}

		if ctx.Err() != nil {
			s.state = StateFailed
			return &Outcome{State: StateFailed, Attempts: attempts}, ctx.Err()
		}

		log.Warn("wait attempt failed", "attempt", attempts, "error", err)
		if attempts >= s.MaxAttempts {
			s.state = StateFailed
			return &Outcome{State: StateFailed, Attempts: attempts},
				fmt.Errorf("%w after %d attempts: %w", ErrSupervisionExhausted, attempts, err)
		}

		if s.Probe != nil {
			if st, perr := s.Probe(ctx); perr != nil {
				log.Warn("could not check sandbox status", "error", perr)
			} else if !st.Alive() {
				log.Warn("sandbox is no longer running", "state", st.State)
			}
		}

		if err := sleep(ctx, s.Backoff); err != nil {
			s.state = StateFailed
			return &Outcome{State: StateFailed, Attempts: attempts}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
