package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/client"

	"permitflow/internal/sandbox"
)

// Environment Docker 执行环境
type Environment struct {
	id           string
	provider     *Provider
	user         string
	workDir      string
	created      time.Time
	pollInterval time.Duration

	mu      sync.Mutex
	timeout time.Duration
	stopped bool
}

var _ sandbox.Environment = (*Environment)(nil)

func (e *Environment) ID() string { return e.id }

func (e *Environment) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

// ExtendTimeout 重写租期文件，截止时间顺延 d
func (e *Environment) ExtendTimeout(ctx context.Context, d time.Duration) error {
	e.mu.Lock()
	next := e.timeout + d
	e.mu.Unlock()

	deadline := e.created.Add(next).Unix()
	content := []byte(strconv.FormatInt(deadline, 10) + "\n")
	if err := e.copyIn(ctx, []sandbox.File{{Path: leaseFile, Content: content, Mode: 0644}}); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}

	e.mu.Lock()
	e.timeout = next
	e.mu.Unlock()
	return nil
}

// Status 获取容器状态
func (e *Environment) Status(ctx context.Context) (*sandbox.Status, error) {
	result, err := e.provider.client.ContainerInspect(ctx, e.id, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &sandbox.Status{State: sandbox.StateUnknown, Error: "container not found"}, nil
		}
		return nil, err
	}
	st := result.Container.State
	return &sandbox.Status{
		State:      mapContainerState(string(st.Status)),
		ExitCode:   st.ExitCode,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
		Error:      st.Error,
	}, nil
}

func (e *Environment) execOptions(cmd sandbox.Command, attach bool) client.ExecCreateOptions {
	user := e.user
	if cmd.Sudo {
		user = "root"
	}
	dir := cmd.Dir
	if dir == "" {
		dir = e.workDir
	}
	return client.ExecCreateOptions{
		User:         user,
		Cmd:          cmd.Argv(),
		Env:          envList(cmd.Env),
		WorkingDir:   dir,
		AttachStdout: attach,
		AttachStderr: attach,
	}
}

// Run 同步执行命令
func (e *Environment) Run(ctx context.Context, cmd sandbox.Command) (*sandbox.Result, error) {
	created, err := e.provider.client.ExecCreate(ctx, e.id, e.execOptions(cmd, true))
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attached, err := e.provider.client.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspected, err := e.provider.client.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &sandbox.Result{
		ExitCode: inspected.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// redirectWrapper 带输出重定向的包装：路径经环境变量传入，不拼接进脚本
const redirectWrapper = `exec "$0" "$@" >>"${PERMITFLOW_STDOUT:-/dev/null}" 2>>"${PERMITFLOW_STDERR:-/dev/null}"`

// detachedCommand 为分离执行的命令加上输出重定向
func detachedCommand(cmd sandbox.Command) sandbox.Command {
	if cmd.Stdout == "" && cmd.Stderr == "" {
		return cmd
	}
	env := make(map[string]string, len(cmd.Env)+2)
	for k, v := range cmd.Env {
		env[k] = v
	}
	if cmd.Stdout != "" {
		env["PERMITFLOW_STDOUT"] = cmd.Stdout
	}
	if cmd.Stderr != "" {
		env["PERMITFLOW_STDERR"] = cmd.Stderr
	}
	return sandbox.Command{
		Cmd:  "/bin/sh",
		Args: append([]string{"-c", redirectWrapper, cmd.Cmd}, cmd.Args...),
		Env:  env,
		Dir:  cmd.Dir,
		Sudo: cmd.Sudo,
	}
}

// StartDetached 分离启动命令，exec 在容器内独立运行
func (e *Environment) StartDetached(ctx context.Context, cmd sandbox.Command) (sandbox.Process, error) {
	wrapped := detachedCommand(cmd)
	created, err := e.provider.client.ExecCreate(ctx, e.id, e.execOptions(wrapped, false))
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}
	if _, err := e.provider.client.ExecStart(ctx, created.ID, client.ExecStartOptions{Detach: true}); err != nil {
		return nil, fmt.Errorf("failed to start detached exec: %w", err)
	}
	return &process{id: created.ID, env: e}, nil
}

// process 分离运行的 exec
type process struct {
	id  string
	env *Environment
}

func (p *process) ID() string { return p.id }

// Wait 轮询 exec 状态直到退出
func (p *process) Wait(ctx context.Context) (*sandbox.Result, error) {
	ticker := time.NewTicker(p.env.pollInterval)
	defer ticker.Stop()

	for {
		inspected, err := p.env.provider.client.ExecInspect(ctx, p.id, client.ExecInspectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to inspect exec %s: %w", shortID(p.id), err)
		}
		if !inspected.Running {
			return &sandbox.Result{ExitCode: inspected.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// MkdirAll 以环境用户身份创建目录
func (e *Environment) MkdirAll(ctx context.Context, dirs ...string) error {
	if len(dirs) == 0 {
		return nil
	}
	res, err := e.Run(ctx, sandbox.Command{Cmd: "mkdir", Args: append([]string{"-p"}, dirs...)})
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("mkdir exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// WriteFiles 打包为 tar 一次性复制进容器
func (e *Environment) WriteFiles(ctx context.Context, files []sandbox.File) error {
	if len(files) == 0 {
		return nil
	}
	return e.copyIn(ctx, files)
}

func (e *Environment) copyIn(ctx context.Context, files []sandbox.File) error {
	archive, err := buildTar(files)
	if err != nil {
		return err
	}
	_, err = e.provider.client.CopyToContainer(ctx, e.id, client.CopyToContainerOptions{
		DestinationPath: "/",
		Content:         archive,
		CopyUIDGID:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to copy files into sandbox: %w", err)
	}
	return nil
}

// ReadDir 列出目录下的普通文件（不递归）
func (e *Environment) ReadDir(ctx context.Context, dir string) ([]sandbox.FileInfo, error) {
	res, err := e.Run(ctx, sandbox.Command{
		Cmd:  "find",
		Args: []string{dir, "-maxdepth", "1", "-type", "f", "-printf", `%f\t%s\n`},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("list %s: %w", dir, sandbox.ErrNotExist)
	}
	return parseFindOutput(dir, res.Stdout), nil
}

// ReadFile 读取文件；offset 为 0 时走归档复制（二进制安全），否则用 tail 读取增量
func (e *Environment) ReadFile(ctx context.Context, path string, offset int64) ([]byte, error) {
	if offset > 0 {
		res, err := e.Run(ctx, sandbox.Command{
			Cmd:  "tail",
			Args: []string{"-c", "+" + strconv.FormatInt(offset+1, 10), path},
		})
		if err != nil {
			return nil, err
		}
		if !res.OK() {
			return nil, fmt.Errorf("read %s: %w", path, sandbox.ErrNotExist)
		}
		return []byte(res.Stdout), nil
	}

	copied, err := e.provider.client.CopyFromContainer(ctx, e.id, client.CopyFromContainerOptions{SourcePath: path})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("read %s: %w", path, sandbox.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to copy %s from sandbox: %w", path, err)
	}
	defer copied.Content.Close()
	return readSingleFile(copied.Content)
}

// Stop 强制删除容器；重复调用无副作用
func (e *Environment) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	_, err := e.provider.client.ContainerRemove(ctx, e.id, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove sandbox %s: %w", shortID(e.id), err)
	}
	e.provider.log.Info("sandbox removed", "container_id", shortID(e.id))
	return nil
}

// ====================================================================
// tar 辅助
// ====================================================================

// buildTar 将文件打包为以 / 为根的 tar 归档
func buildTar(files []sandbox.File) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Name:     strings.TrimPrefix(f.Path, "/"),
			Mode:     mode,
			Size:     int64(len(f.Content)),
			ModTime:  time.Now(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// readSingleFile 从归档中取出第一个普通文件的内容
func readSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, sandbox.ErrNotExist
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// parseFindOutput 解析 find -printf '%f\t%s\n' 的输出
func parseFindOutput(dir, out string) []sandbox.FileInfo {
	var files []sandbox.FileInfo
	base := strings.TrimSuffix(dir, "/")
	for _, line := range strings.Split(out, "\n") {
		name, size, ok := strings.Cut(strings.TrimRight(line, "\r"), "\t")
		if !ok || name == "" {
			continue
		}
		n, _ := strconv.ParseInt(size, 10, 64)
		files = append(files, sandbox.FileInfo{Name: name, Path: base + "/" + name, Size: n})
	}
	return files
}
