// Package orchestrator Agent 运行流水线
//
// 一次运行（Run）按固定顺序执行：
//
//	创建环境 → 安装依赖 → 下载文件 → 解压归档 → 复制技能包
//	→ 预置产物 → 分离启动 Agent → 监督等待（事件转发并行）
//	→ 收集产出 → 写入状态 → 销毁环境（始终执行）
//
// 任一步骤失败，顶层只写一次 failed 状态；日志写入失败一律忽略。
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"permitflow/internal/agent"
	"permitflow/internal/config"
	"permitflow/internal/extract"
	"permitflow/internal/flow"
	"permitflow/internal/sandbox"
	"permitflow/internal/shared/model"
	"permitflow/internal/shared/storage"
	"permitflow/pkg/logging"
	"permitflow/pkg/telemetry"
)

// Store 编排器使用的持久化接口
type Store interface {
	storage.ProjectStore
	storage.FileStore
	storage.OutputStore
	storage.QuestionStore
}

// ObjectStore 对象存储接口
type ObjectStore interface {
	PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Upload(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error
}

// Options 编排参数
type Options struct {
	Sandbox    config.SandboxConfig
	Agent      config.AgentConfig
	MinIO      config.MinIOConfig
	Supervisor config.SupervisorConfig
}

// OptionsFromConfig 从全局配置提取编排参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Sandbox:    cfg.Sandbox,
		Agent:      cfg.Agent,
		MinIO:      cfg.MinIO,
		Supervisor: cfg.Supervisor,
	}
}

// Deps 编排器依赖
type Deps struct {
	Provider  sandbox.Provider
	Store     Store
	Objects   ObjectStore
	Sink      MessageSink
	Extractor extract.Extractor
	Metrics   *Metrics
	Tracer    trace.Tracer
	Log       *logging.Logger

	// Sleep 监督重试的休眠函数，为 nil 时使用真实计时器
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator 运行编排器
//
// 可被多个 goroutine 并发调用 Run；每次运行拥有独立的环境、追踪器和统计。
type Orchestrator struct {
	opts      Options
	provider  sandbox.Provider
	store     Store
	objects   ObjectStore
	rawSink   MessageSink
	sink      *BestEffort
	extractor extract.Extractor
	metrics   *Metrics
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
	log       *logging.Logger
}

// New 创建编排器
func New(opts Options, deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = logging.Default("orchestrator")
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil, "permitflow")
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer("permitflow/orchestrator")
	}
	if opts.Sandbox.FilesPath == "" {
		opts.Sandbox.FilesPath = flow.DefaultFilesPath
	}
	if opts.Sandbox.OutputPath == "" {
		opts.Sandbox.OutputPath = flow.DefaultOutputPath
	}
	if opts.Agent.EventsPath == "" {
		opts.Agent.EventsPath = "/tmp/agent-events.jsonl"
	}

	return &Orchestrator{
		opts:      opts,
		provider:  deps.Provider,
		store:     deps.Store,
		objects:   deps.Objects,
		rawSink:   deps.Sink,
		sink:      NewBestEffort(deps.Sink, deps.Log),
		extractor: deps.Extractor,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		sleep:     deps.Sleep,
		log:       deps.Log,
	}
}

// Request 运行请求
type Request struct {
	ProjectID string
	UserID    string
	Flow      model.FlowType
}

// forRun 返回绑定运行日志字段的副本
func (o *Orchestrator) forRun(log *logging.Logger) *Orchestrator {
	cp := *o
	cp.log = log
	cp.sink = NewBestEffort(o.rawSink, log)
	return &cp
}

// ============================================================================
// Run - 顶层入口
// ============================================================================

// Run 执行一次完整运行
//
// 返回的错误已被记录到项目状态（failed + error_message），调用方只需记录日志。
func (o *Orchestrator) Run(ctx context.Context, req Request) (err error) {
	if !req.Flow.Valid() {
		return fmt.Errorf("unknown flow type %q", req.Flow)
	}

	runID := uuid.NewString()
	ctx = logging.ContextWithRun(ctx, req.ProjectID, runID, string(req.Flow))
	log := o.log.WithProjectID(req.ProjectID).WithRunID(runID).WithFlow(string(req.Flow))
	r := o.forRun(log)

	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrator.run",
		attribute.String(telemetry.ProjectIDKey, req.ProjectID),
		attribute.String(telemetry.RunIDKey, runID),
		attribute.String(telemetry.FlowTypeKey, string(req.Flow)),
	)
	defer span.End()

	started := time.Now()
	o.metrics.RunsActive.Inc()
	log.Info("run started")

	defer func() {
		o.metrics.RunsActive.Dec()
		o.metrics.ObserveRun(string(req.Flow), started, err)
		if err == nil {
			log.WithDuration(time.Since(started)).Info("run completed")
			return
		}
		telemetry.SetError(span, err)
		r.fail(req.ProjectID, err)
	}()

	return r.execute(ctx, req, runID, started)
}

// fail 顶层失败处理：写一次 failed 状态，失败只记录日志
func (o *Orchestrator) fail(projectID string, cause error) {
	ctx := context.Background()
	msg := cause.Error()
	o.log.WithError(cause).Error("run failed")
	o.sink.System(ctx, projectID, "Agent error: "+msg)
	if err := o.store.UpdateProjectStatus(ctx, projectID, model.StatusFailed, &msg); err != nil {
		o.log.Warn("could not update project status", "error", err)
	}
}

// inputs 运行前从存储读取的输入
type inputs struct {
	project      *model.Project
	files        []*model.ProjectFile
	answersJSON  string
	phaseOne     json.RawMessage
	preExtracted bool
	// manifestPreloaded 沙箱内已写入 sheet-manifest.json
	manifestPreloaded bool
}

func (o *Orchestrator) execute(ctx context.Context, req Request, runID string, started time.Time) error {
	in, err := o.loadInputs(ctx, req)
	if err != nil {
		return err
	}

	env, err := o.timedStage(ctx, StageProvision, func(ctx context.Context) (sandbox.Environment, error) {
		return o.provision(ctx, req.ProjectID)
	})
	if err != nil {
		return err
	}
	defer stopEnv(env, o.log)
	o.log.Info("sandbox ready", "sandbox_id", env.ID())
	o.sink.System(ctx, req.ProjectID, "[SANDBOX 1/7] Sandbox created")

	if err := o.prepare(ctx, env, req, in); err != nil {
		return err
	}

	run := &runInfo{
		ID:        runID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Flow:      req.Flow,
		Stats:     &RunStats{},
	}
	if err := o.runAgent(ctx, env, run, in); err != nil {
		return err
	}

	o.sink.System(ctx, req.ProjectID, "Processing outputs...")
	out, err := o.collectStage(ctx, env, run)
	if err != nil {
		return err
	}
	o.metrics.OutputsStored.WithLabelValues(string(out.FlowPhase)).Inc()
	o.metrics.AgentCostUSD.WithLabelValues(string(req.Flow)).Add(out.AgentCostUSD)
	o.metrics.AgentTurns.WithLabelValues(string(req.Flow)).Observe(float64(out.AgentTurns))

	if err := o.store.UpdateProjectStatus(ctx, req.ProjectID, req.Flow.SuccessStatus(), nil); err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	o.sink.System(ctx, req.ProjectID, "Processing complete")
	o.log.Info("run finished",
		"status", req.Flow.SuccessStatus(),
		"output_version", out.Version,
		"elapsed_min", fmt.Sprintf("%.1f", time.Since(started).Minutes()),
	)
	return nil
}

// loadInputs 读取项目、文件与回复流程所需的上一阶段数据
func (o *Orchestrator) loadInputs(ctx context.Context, req Request) (*inputs, error) {
	project, err := o.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}
	if err := o.store.UpdateProjectStatus(ctx, req.ProjectID, req.Flow.InitialStatus(), nil); err != nil {
		return nil, fmt.Errorf("set initial status: %w", err)
	}

	files, err := o.store.ListFiles(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if req.Flow != model.FlowCorrectionsResponse && !hasArchive(files, extract.ArchiveName) {
		if o.preExtract(ctx, req) {
			if files, err = o.store.ListFiles(ctx, req.ProjectID); err != nil {
				return nil, fmt.Errorf("list files: %w", err)
			}
		}
	}
	o.log.Info("project files found", "count", len(files))
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	in := &inputs{project: project, files: files, preExtracted: hasArchive(files, extract.ArchiveName)}
	if req.Flow != model.FlowCorrectionsResponse {
		return in, nil
	}

	// 未回答的问题也一并交给 Agent，空列表照常运行
	answers, err := o.store.ListQuestions(ctx, req.ProjectID, false)
	if err != nil {
		return nil, fmt.Errorf("list contractor answers: %w", err)
	}
	if answers == nil {
		answers = []*model.Question{}
	}
	o.log.Info("contractor answers loaded", "count", len(answers))
	data, err := json.MarshalIndent(answers, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode contractor answers: %w", err)
	}
	in.answersJSON = string(data)

	phaseOne, err := o.store.GetLatestOutput(ctx, req.ProjectID, model.PhaseAnalysis)
	if err != nil {
		return nil, fmt.Errorf("get analysis output: %w", err)
	}
	if phaseOne == nil {
		return nil, ErrNoAnalysis
	}
	in.phaseOne = phaseOne.RawArtifacts
	return in, nil
}

// preExtract 调用提取服务，返回是否产生了新文件；失败不影响运行
func (o *Orchestrator) preExtract(ctx context.Context, req Request) bool {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrator.extract")
	defer span.End()

	res, err := o.extractor.Extract(ctx, extract.Request{ProjectID: req.ProjectID, UserID: req.UserID})
	if err != nil {
		telemetry.SetError(span, err)
		o.log.Warn("pre-extraction failed, agent will handle it", "error", err)
		return false
	}
	if res == nil || res.Skipped {
		return false
	}
	o.log.Info("pre-extraction complete", "pages", res.Pages, "title_blocks", res.TitleBlocks)
	return true
}

func hasArchive(files []*model.ProjectFile, name string) bool {
	for _, f := range files {
		if f.Filename == name {
			return true
		}
	}
	return false
}

// ============================================================================
// 准备阶段
// ============================================================================

func (o *Orchestrator) prepare(ctx context.Context, env sandbox.Environment, req Request, in *inputs) error {
	projectID := req.ProjectID

	o.sink.System(ctx, projectID, "Installing Claude Code CLI...")
	if err := o.stage(ctx, StageInstall, func(ctx context.Context) error {
		return InstallDependencies(ctx, env, o.opts.Sandbox.Install)
	}); err != nil {
		return err
	}
	o.sink.System(ctx, projectID, "[SANDBOX 2/7] Dependencies installed")

	var downloaded int
	if err := o.stage(ctx, StageDownload, func(ctx context.Context) error {
		var err error
		downloaded, err = o.StageFiles(ctx, env, projectID, in.files)
		return err
	}); err != nil {
		return err
	}
	o.sink.System(ctx, projectID, fmt.Sprintf("[SANDBOX 3/7] Downloaded %d files", downloaded))

	o.UnpackArchives(ctx, env, projectID)
	o.sink.System(ctx, projectID, "[SANDBOX 4/7] Archives unpacked")

	var staged []string
	if err := o.stage(ctx, StageSkills, func(ctx context.Context) error {
		var err error
		staged, err = o.StageSkills(ctx, env, flow.SelectSkills(req.Flow, in.project.CityOrDefault()))
		return err
	}); err != nil {
		return err
	}
	o.sink.System(ctx, projectID, fmt.Sprintf("[SANDBOX 5/7] Skills copied (%d skills: %s)",
		len(staged), strings.Join(staged, ", ")))

	if err := env.MkdirAll(ctx, o.opts.Sandbox.OutputPath); err != nil {
		return stageErr(StagePhase1, err)
	}

	if req.Flow != model.FlowCorrectionsResponse {
		loaded, err := o.PreloadSheetManifest(ctx, env)
		if err != nil {
			return err
		}
		in.manifestPreloaded = loaded
		if loaded {
			o.sink.System(ctx, projectID, "[SANDBOX 5.5/7] Sheet manifest pre-loaded")
		}
		o.sink.System(ctx, projectID, "[SANDBOX 6/7] Setup complete")
		return nil
	}

	if err := o.stage(ctx, StagePhase1, func(ctx context.Context) error {
		_, err := o.WritePhaseOneArtifacts(ctx, env, in.phaseOne, in.answersJSON)
		return err
	}); err != nil {
		return err
	}
	o.sink.System(ctx, projectID, "[SANDBOX 6/7] Phase 1 artifacts loaded")
	return nil
}

// ============================================================================
// Agent 运行
// ============================================================================

func (o *Orchestrator) agentCommand(req Request, in *inputs) sandbox.Command {
	budget := flow.BudgetFor(req.Flow)
	prompt := flow.BuildPrompt(flow.Params{
		Flow:         req.Flow,
		City:         in.project.CityOrDefault(),
		Address:      in.project.Address(),
		Answers:      in.answersJSON,
		PreExtracted: in.preExtracted,
		FilesPath:    o.opts.Sandbox.FilesPath,
		OutputPath:   o.opts.Sandbox.OutputPath,

		ManifestPreloaded: in.manifestPreloaded,
	})
	return agent.BuildCommand(agent.CommandOptions{
		CLI:          o.opts.Agent.CLI,
		Prompt:       prompt,
		SystemAppend: flow.SystemAppend(req.Flow),
		Model:        o.opts.Agent.Model,
		MaxTurns:     budget.MaxTurns,
		MaxBudgetUSD: budget.MaxBudgetUSD,
		APIKey:       o.opts.Agent.APIKey,
		Dir:          o.opts.Sandbox.WorkDir,
		EventsPath:   o.opts.Agent.EventsPath,
	})
}

// runAgent 分离启动 Agent，转发事件并等待退出
func (o *Orchestrator) runAgent(ctx context.Context, env sandbox.Environment, run *runInfo, in *inputs) error {
	req := Request{ProjectID: run.ProjectID, UserID: run.UserID, Flow: run.Flow}
	o.sink.System(ctx, run.ProjectID, fmt.Sprintf("[SANDBOX 7/7] Launching %s agent...", run.Flow.Label()))

	sup := NewSupervisor(o.opts.Supervisor.MaxAttempts, o.opts.Supervisor.Backoff)
	sup.Log = o.log
	sup.Sleep = o.sleep
	sup.Probe = func(ctx context.Context) (*sandbox.Status, error) {
		return env.Status(ctx)
	}

	tracker := NewSubagentTracker(o.log)
	relay := NewRelay(RelayConfig{
		Env:          env,
		EventsPath:   o.opts.Agent.EventsPath,
		ProjectID:    run.ProjectID,
		Sink:         o.sink,
		Tracker:      tracker,
		Stats:        run.Stats,
		PollInterval: o.opts.Supervisor.PollInterval,
		Log:          o.log,
	})

	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrator.agent")
	defer span.End()

	run.Started = time.Now()
	proc, err := sup.Launch(ctx, env, o.agentCommand(req, in))
	if err != nil {
		o.metrics.StageFailures.WithLabelValues(StageLaunch).Inc()
		telemetry.SetError(span, err)
		return err
	}
	o.sink.System(ctx, run.ProjectID, "Agent running in detached mode (connection-resilient)")
	o.sink.System(ctx, run.ProjectID, "Agent starting...")

	relay.Start(ctx)
	outcome, err := sup.Await(ctx, proc)
	relay.Stop()
	relay.Drain(ctx)
	tracker.LogSummary()

	if outcome != nil {
		o.metrics.WaitAttempts.Observe(float64(outcome.Attempts))
	}
	if err != nil {
		telemetry.SetError(span, err)
		return err
	}
	return nil
}

func (o *Orchestrator) collectStage(ctx context.Context, env sandbox.Environment, run *runInfo) (*model.Output, error) {
	var out *model.Output
	err := o.stage(ctx, StageCollect, func(ctx context.Context) error {
		var err error
		out, err = o.Collect(ctx, env, run)
		return err
	})
	return out, err
}

// ============================================================================
// 辅助
// ============================================================================

// stage 执行一个阶段并记录耗时、指标与 span
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrator."+name,
		attribute.String(telemetry.StageKey, name))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	o.metrics.ObserveStage(name, started, err)
	o.log.StageLog(name, time.Since(started), err)
	if err != nil {
		telemetry.SetError(span, err)
	}
	return err
}

func (o *Orchestrator) timedStage(ctx context.Context, name string, fn func(ctx context.Context) (sandbox.Environment, error)) (sandbox.Environment, error) {
	var env sandbox.Environment
	err := o.stage(ctx, name, func(ctx context.Context) error {
		var err error
		env, err = fn(ctx)
		return err
	})
	return env, err
}

// stopEnv 销毁环境，使用独立上下文保证取消后仍能执行
func stopEnv(env sandbox.Environment, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	log.Info("stopping sandbox", "sandbox_id", env.ID())
	if err := env.Stop(ctx); err != nil {
		log.Warn("failed to stop sandbox", "sandbox_id", env.ID(), "error", err)
	}
}
