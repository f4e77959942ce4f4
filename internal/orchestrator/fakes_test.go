package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"permitflow/internal/config"
	"permitflow/internal/sandbox"
	"permitflow/internal/shared/model"
	"permitflow/internal/shared/storage/repository"
	sqlitedriver "permitflow/internal/shared/storage/driver/sqlite"
	"permitflow/pkg/logging"
)

// ============================================================================
// fakeEnv - 内存文件系统的执行环境
// ============================================================================

type fakeEnv struct {
	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	runs    []sandbox.Command
	started []sandbox.Command
	stops   int
	timeout time.Duration
	extends []time.Duration

	// runFn 覆盖默认的命令行为，返回 nil 结果表示使用默认行为
	runFn    func(cmd sandbox.Command) (*sandbox.Result, error)
	writeErr error
	startErr error
	// onStart Agent 启动时调用（写入产出与事件）
	onStart func(e *fakeEnv)
	proc    *fakeProcess
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		files:   map[string][]byte{},
		dirs:    map[string]bool{},
		timeout: 30 * time.Minute,
		proc:    &fakeProcess{},
	}
}

func (e *fakeEnv) ID() string             { return "fake-sandbox" }
func (e *fakeEnv) Timeout() time.Duration { return e.timeout }

func (e *fakeEnv) ExtendTimeout(_ context.Context, d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extends = append(e.extends, d)
	e.timeout += d
	return nil
}

func (e *fakeEnv) Status(context.Context) (*sandbox.Status, error) {
	return &sandbox.Status{State: sandbox.StateRunning}, nil
}

func (e *fakeEnv) Run(_ context.Context, cmd sandbox.Command) (*sandbox.Result, error) {
	e.mu.Lock()
	e.runs = append(e.runs, cmd)
	fn := e.runFn
	e.mu.Unlock()

	if fn != nil {
		if res, err := fn(cmd); res != nil || err != nil {
			return res, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch cmd.Cmd {
	case "curl":
		// curl -fsSL --create-dirs -o <target> <url>
		e.files[cmd.Args[3]] = []byte("downloaded:" + cmd.Args[4])
	case "rm":
		delete(e.files, cmd.Args[len(cmd.Args)-1])
	}
	return &sandbox.Result{}, nil
}

func (e *fakeEnv) StartDetached(_ context.Context, cmd sandbox.Command) (sandbox.Process, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.mu.Lock()
	e.started = append(e.started, cmd)
	e.mu.Unlock()
	if e.onStart != nil {
		e.onStart(e)
	}
	return e.proc, nil
}

func (e *fakeEnv) WriteFiles(_ context.Context, files []sandbox.File) error {
	if e.writeErr != nil {
		return e.writeErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range files {
		e.files[f.Path] = append([]byte(nil), f.Content...)
	}
	return nil
}

func (e *fakeEnv) MkdirAll(_ context.Context, dirs ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range dirs {
		e.dirs[d] = true
	}
	return nil
}

func (e *fakeEnv) ReadDir(_ context.Context, dir string) ([]sandbox.FileInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []sandbox.FileInfo
	for p, content := range e.files {
		if path.Dir(p) == dir {
			out = append(out, sandbox.FileInfo{Name: path.Base(p), Path: p, Size: int64(len(content))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *fakeEnv) ReadFile(_ context.Context, p string, offset int64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.files[p]
	if !ok {
		return nil, sandbox.ErrNotExist
	}
	if offset >= int64(len(content)) {
		return nil, nil
	}
	return append([]byte(nil), content[offset:]...), nil
}

func (e *fakeEnv) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func (e *fakeEnv) put(p, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[p] = []byte(content)
}

func (e *fakeEnv) get(p string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.files[p]
	return string(c), ok
}

func (e *fakeEnv) paths(prefix string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for p := range e.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// fakeProcess 依次返回 waitErrs 中的错误，之后返回 exitCode
type fakeProcess struct {
	mu       sync.Mutex
	waitErrs []error
	exitCode int
	waits    int
}

func (p *fakeProcess) ID() string { return "exec-1" }

func (p *fakeProcess) Wait(context.Context) (*sandbox.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	if len(p.waitErrs) > 0 {
		err := p.waitErrs[0]
		p.waitErrs = p.waitErrs[1:]
		return nil, err
	}
	return &sandbox.Result{ExitCode: p.exitCode}, nil
}

type fakeProvider struct {
	env   *fakeEnv
	err   error
	specs []sandbox.Spec
}

func (p *fakeProvider) Create(_ context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	p.specs = append(p.specs, spec)
	if p.err != nil {
		return nil, p.err
	}
	return p.env, nil
}

// ============================================================================
// fakeObjects / recordingSink / countingStore
// ============================================================================

type upload struct {
	Bucket      string
	ContentType string
	Data        []byte
}

type fakeObjects struct {
	mu        sync.Mutex
	uploads   map[string]upload
	uploadErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: map[string]upload{}}
}

func (f *fakeObjects) PresignedGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://minio.local/" + bucket + "/" + key + "?sig=1", nil
}

func (f *fakeObjects) Upload(_ context.Context, bucket, key string, r io.Reader, _ int64, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[key] = upload{Bucket: bucket, ContentType: contentType, Data: buf.Bytes()}
	return nil
}

type recordingSink struct {
	mu       sync.Mutex
	messages []model.ProjectMessage
	err      error
}

func (s *recordingSink) Send(_ context.Context, projectID string, role model.MessageRole, content string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, model.ProjectMessage{ProjectID: projectID, Role: role, Content: content})
	return nil
}

func (s *recordingSink) contents(role model.MessageRole) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.messages {
		if m.Role == role {
			out = append(out, m.Content)
		}
	}
	return out
}

// countingStore 统计 failed 状态写入次数
type countingStore struct {
	*repository.Store
	mu           sync.Mutex
	failedWrites int
	statuses     []model.ProjectStatus
}

func (s *countingStore) UpdateProjectStatus(ctx context.Context, id string, status model.ProjectStatus, errMsg *string) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	if status == model.StatusFailed {
		s.failedWrites++
	}
	s.mu.Unlock()
	return s.Store.UpdateProjectStatus(ctx, id, status, errMsg)
}

// ============================================================================
// harness
// ============================================================================

const (
	testProjectID = "11111111-1111-4111-8111-111111111111"
	testUserID    = "22222222-2222-4222-8222-222222222222"
)

type harness struct {
	t        *testing.T
	env      *fakeEnv
	provider *fakeProvider
	store    *countingStore
	objects  *fakeObjects
	sink     *recordingSink
	opts     Options
	orch     *Orchestrator
}

func newHarness(t *testing.T, flowType model.FlowType, city string) *harness {
	t.Helper()

	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := &countingStore{Store: repository.NewStore(db, dialect)}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	p := &model.Project{
		ID:          testProjectID,
		UserID:      testUserID,
		FlowType:    flowType,
		ProjectName: "ADU at 1200 Chapman Ave",
		Status:      model.StatusReady,
	}
	if city != "" {
		p.City = &city
	}
	require.NoError(t, store.CreateProject(ctx, p))
	require.NoError(t, store.CreateFile(ctx, &model.ProjectFile{
		ID:          "file-1",
		ProjectID:   testProjectID,
		FileType:    model.FilePlanBinder,
		Filename:    "plans.pdf",
		StoragePath: "crossbeam-uploads/" + testUserID + "/" + testProjectID + "/plans.pdf",
	}))

	skillsDir := t.TempDir()
	for _, name := range []string{"california-adu", "adu-plan-review", "adu-corrections-flow",
		"adu-corrections-complete", "adu-targeted-page-viewer", "placentia-adu"} {
		writeSkill(t, skillsDir, name)
	}

	opts := Options{
		Sandbox: config.SandboxConfig{
			Image:      "permitflow/sandbox:test",
			VCPUs:      4,
			Timeout:    30 * time.Minute,
			WorkDir:    "/sandbox",
			FilesPath:  "/sandbox/project-files",
			OutputPath: "/sandbox/project-files/output",
			SkillsPath: "/sandbox/.claude/skills",
			Install: []config.InstallStep{
				{Cmd: "npm", Args: []string{"install", "-g", "@anthropic-ai/claude-code"}, Sudo: true},
				{Cmd: "npm", Args: []string{"install", "@anthropic-ai/claude-agent-sdk"}},
			},
		},
		Agent: config.AgentConfig{
			CLI:        "claude",
			SkillsDir:  skillsDir,
			EventsPath: "/sandbox/agent-events.jsonl",
			APIKey:     "sk-test",
		},
		MinIO: config.MinIOConfig{
			UploadsBucket: "crossbeam-uploads",
			DemoBucket:    "crossbeam-demo-assets",
			OutputsBucket: "crossbeam-outputs",
			PresignTTL:    time.Hour,
		},
		Supervisor: config.SupervisorConfig{
			MaxAttempts:  3,
			Backoff:      time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
	}

	h := &harness{
		t:       t,
		env:     newFakeEnv(),
		store:   store,
		objects: newFakeObjects(),
		sink:    &recordingSink{},
		opts:    opts,
	}
	h.provider = &fakeProvider{env: h.env}
	h.orch = New(opts, Deps{
		Provider: h.provider,
		Store:    store,
		Objects:  h.objects,
		Sink:     h.sink,
		Log:      logging.Nop(),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	})
	return h
}

func writeSkill(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "references"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# "+name), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "references", "notes.md"), []byte("notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte{0}, 0o644))
}

func (h *harness) run(flowType model.FlowType) error {
	return h.orch.Run(context.Background(), Request{ProjectID: testProjectID, UserID: testUserID, Flow: flowType})
}

func (h *harness) project() *model.Project {
	p, err := h.store.GetProject(context.Background(), testProjectID)
	require.NoError(h.t, err)
	require.NotNil(h.t, p)
	return p
}

// writeOutputs 返回在 Agent 启动时写入产出文件的回调
func writeOutputs(outputPath string, files map[string]string) func(e *fakeEnv) {
	return func(e *fakeEnv) {
		for name, content := range files {
			e.put(path.Join(outputPath, name), content)
		}
	}
}

var errBoom = errors.New("boom")
