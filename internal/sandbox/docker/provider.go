// Package docker 基于 Docker 容器的执行环境实现
//
// 每次运行创建一个独立容器，容器主进程是租期守护循环（lease keeper）：
// 当前时间超过租期文件中的截止时间时主进程退出，容器随之停止。
// 续期通过重写租期文件完成，不依赖宿主机侧的计时器。
package docker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"permitflow/internal/sandbox"
	"permitflow/pkg/logging"
)

// leaseFile 容器内租期文件（Unix 秒）
const leaseFile = "/tmp/.permitflow-lease"

// leaseKeeperScript 容器主进程：租期文件缺失时使用创建时注入的截止时间
const leaseKeeperScript = `while [ "$(date +%s)" -lt "$(cat ` + leaseFile + ` 2>/dev/null || echo "$PERMITFLOW_LEASE_DEADLINE")" ]; do sleep 5; done`

// Provider Docker 执行环境提供者
type Provider struct {
	client          *client.Client
	maxInitialLease time.Duration
	pollInterval    time.Duration
	log             *logging.Logger
	now             func() time.Time
}

var _ sandbox.Provider = (*Provider)(nil)

// Options 提供者参数
type Options struct {
	// MaxInitialLease 创建时最多授予的租期，0 表示不限制
	MaxInitialLease time.Duration
	// PollInterval 分离进程状态轮询间隔
	PollInterval time.Duration
}

// New 创建 Docker 提供者（连接参数来自 DOCKER_HOST 等环境变量）
func New(opts Options) (*Provider, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Provider{
		client:          cli,
		maxInitialLease: opts.MaxInitialLease,
		pollInterval:    opts.PollInterval,
		log:             logging.Default("sandbox"),
		now:             time.Now,
	}, nil
}

// Close 关闭 Docker 连接
func (p *Provider) Close() error {
	return p.client.Close()
}

// Ping 检查 Docker 连接
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.client.Ping(ctx, client.PingOptions{})
	return err
}

// grantedLease 计算创建时实际授予的租期
func grantedLease(requested, max time.Duration) time.Duration {
	if max > 0 && requested > max {
		return max
	}
	return requested
}

// Create 创建并启动执行环境
func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	granted := grantedLease(spec.Timeout, p.maxInitialLease)
	created := p.now()
	deadline := created.Add(granted)

	labels := map[string]string{
		sandbox.LabelManaged:       "true",
		sandbox.LabelLeaseDeadline: strconv.FormatInt(deadline.Unix(), 10),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := []string{"PERMITFLOW_LEASE_DEADLINE=" + strconv.FormatInt(deadline.Unix(), 10)}
	env = append(env, envList(spec.Env)...)

	opts := client.ContainerCreateOptions{
		Image: spec.Image,
		Config: &container.Config{
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd:        []string{leaseKeeperScript},
			Env:        env,
			User:       spec.User,
			WorkingDir: spec.WorkDir,
			Labels:     labels,
		},
		HostConfig: &container.HostConfig{
			Resources: container.Resources{
				NanoCPUs: int64(spec.VCPUs) * 1e9,
				Memory:   spec.MemoryMB * 1024 * 1024,
			},
		},
	}
	if spec.Network != "" {
		opts.HostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	result, err := p.client.ContainerCreate(ctx, opts)
	if err != nil {
		return nil, &sandbox.ProvisionError{Image: spec.Image, Err: err}
	}

	if _, err := p.client.ContainerStart(ctx, result.ID, client.ContainerStartOptions{}); err != nil {
		if _, rmErr := p.client.ContainerRemove(context.Background(), result.ID, client.ContainerRemoveOptions{Force: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			p.log.Warn("failed to remove unstarted sandbox", "container_id", shortID(result.ID), "error", rmErr)
		}
		return nil, &sandbox.ProvisionError{Image: spec.Image, Err: err}
	}

	p.log.Info("sandbox created",
		"container_id", shortID(result.ID),
		"image", spec.Image,
		"lease", granted.String(),
	)

	return &Environment{
		id:           result.ID,
		provider:     p,
		user:         spec.User,
		workDir:      spec.WorkDir,
		created:      created,
		timeout:      granted,
		pollInterval: p.pollInterval,
	}, nil
}

// mapContainerState 映射容器状态
func mapContainerState(status string) sandbox.State {
	switch status {
	case "created":
		return sandbox.StateCreated
	case "running", "restarting", "paused":
		return sandbox.StateRunning
	case "removing":
		return sandbox.StateRemoving
	case "exited":
		return sandbox.StateExited
	case "dead":
		return sandbox.StateStopped
	default:
		return sandbox.StateUnknown
	}
}

func envList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
