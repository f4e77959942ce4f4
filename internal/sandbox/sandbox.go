// Package sandbox 定义 Agent 运行所用的隔离执行环境接口
//
// Environment 是一次运行独占的容器（或其他隔离实例），具备：
//   - 租期（lease）：到期后平台自动回收，可续期
//   - 同步执行（Run）与分离执行（StartDetached）
//   - 文件读写（WriteFiles / ReadFile / ReadDir）
//
// 命令一律以结构化 argv 表示（Command），不经过 shell 拼接用户数据。
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotExist 环境内文件或目录不存在
var ErrNotExist = errors.New("sandbox: file does not exist")

// 环境标签
const (
	LabelManaged       = "permitflow.managed"
	LabelProjectID     = "permitflow.project_id"
	LabelLeaseDeadline = "permitflow.lease_deadline"
)

// Provider 执行环境提供者
type Provider interface {
	// Create 分配并启动一个执行环境
	//
	// 平台拒绝分配时返回 *ProvisionError。实际授予的租期可能小于 Spec.Timeout，
	// 调用方需检查 Environment.Timeout() 并按需续期。
	Create(ctx context.Context, spec Spec) (Environment, error)
}

// Environment 执行环境句柄
type Environment interface {
	ID() string

	// Timeout 返回当前授予的租期（自创建时起算）
	Timeout() time.Duration

	// ExtendTimeout 在现有租期基础上延长 d
	ExtendTimeout(ctx context.Context, d time.Duration) error

	Status(ctx context.Context) (*Status, error)

	// Run 同步执行命令并等待退出
	Run(ctx context.Context, cmd Command) (*Result, error)

	// StartDetached 分离启动命令，进程生命周期与调用方连接无关
	StartDetached(ctx context.Context, cmd Command) (Process, error)

	// WriteFiles 批量写入文件（父目录自动创建）
	WriteFiles(ctx context.Context, files []File) error

	MkdirAll(ctx context.Context, dirs ...string) error

	// ReadDir 列出目录下的普通文件
	ReadDir(ctx context.Context, dir string) ([]FileInfo, error)

	// ReadFile 从 offset 处开始读取文件剩余内容
	ReadFile(ctx context.Context, path string, offset int64) ([]byte, error)

	// Stop 停止并销毁环境，可重复调用
	Stop(ctx context.Context) error
}

// Process 分离运行中的进程
type Process interface {
	ID() string

	// Wait 阻塞直到进程退出并返回结果
	//
	// 连接中断等瞬时错误会以 error 返回，进程本身不受影响，可再次调用 Wait。
	Wait(ctx context.Context) (*Result, error)
}

// Command 结构化命令
type Command struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
	Sudo bool              `json:"sudo,omitempty"`

	// Stdout/Stderr 分离执行时的输出重定向文件（环境内路径）
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Argv 返回完整参数向量
func (c Command) Argv() []string {
	return append([]string{c.Cmd}, c.Args...)
}

// String 返回可读的命令描述（仅用于日志）
func (c Command) String() string {
	s := c.Cmd
	for _, a := range c.Args {
		if r := []rune(a); len(r) > 60 {
			a = string(r[:57]) + "..."
		}
		s += " " + a
	}
	return s
}

// Task 顺序执行的命令集合
type Task struct {
	Name  string    `json:"name"`
	Steps []Command `json:"steps"`
}

// Spec 环境创建参数
type Spec struct {
	Image    string
	VCPUs    int
	MemoryMB int64
	Timeout  time.Duration
	Labels   map[string]string
	Env      map[string]string
	User     string
	WorkDir  string
	Network  string
}

// Result 命令执行结果
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK 是否成功退出
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// File 待写入文件
type File struct {
	Path    string
	Content []byte
	Mode    int64
}

// FileInfo 目录项
type FileInfo struct {
	Name string
	Path string
	Size int64
}

// State 环境状态
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateExited   State = "exited"
	StateRemoving State = "removing"
	StateUnknown  State = "unknown"
)

// Status 环境状态详情
type Status struct {
	State      State
	ExitCode   int
	StartedAt  string
	FinishedAt string
	Error      string
}

// Alive 环境是否仍可执行命令
func (s *Status) Alive() bool {
	return s != nil && s.State == StateRunning
}

// ProvisionError 平台拒绝分配环境
type ProvisionError struct {
	Image string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision sandbox (image %s): %v", e.Image, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
