package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"permitflow/internal/sandbox"
)

// Managed 受管容器摘要
type Managed struct {
	ID        string
	ProjectID string
	State     string
	Deadline  time.Time
}

// ListManaged 列出所有带受管标签的容器（含已停止）
func (p *Provider) ListManaged(ctx context.Context) ([]Managed, error) {
	result, err := p.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", sandbox.LabelManaged+"=true"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	items := make([]Managed, 0, len(result.Items))
	for _, c := range result.Items {
		m := Managed{
			ID:        c.ID,
			ProjectID: c.Labels[sandbox.LabelProjectID],
			State:     string(c.State),
			Deadline:  parseDeadline(c.Labels[sandbox.LabelLeaseDeadline]),
		}
		// 续期后标签已过时，运行中的容器以租期文件为准
		if m.State == "running" {
			if d, err := p.readLease(ctx, c.ID); err == nil {
				m.Deadline = d
			}
		}
		items = append(items, m)
	}
	return items, nil
}

func (p *Provider) readLease(ctx context.Context, id string) (time.Time, error) {
	copied, err := p.client.CopyFromContainer(ctx, id, client.CopyFromContainerOptions{SourcePath: leaseFile})
	if err != nil {
		return time.Time{}, err
	}
	defer copied.Content.Close()
	data, err := readSingleFile(copied.Content)
	if err != nil {
		return time.Time{}, err
	}
	d := parseDeadline(strings.TrimSpace(string(data)))
	if d.IsZero() {
		return time.Time{}, fmt.Errorf("invalid lease file content")
	}
	return d, nil
}

// Reap 删除租期截止时间加宽限期已过的受管容器，返回删除数量
func (p *Provider) Reap(ctx context.Context, grace time.Duration) (int, error) {
	items, err := p.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	now := p.now()
	removed := 0
	for _, m := range items {
		if !expired(m, now, grace) {
			continue
		}
		_, err := p.client.ContainerRemove(ctx, m.ID, client.ContainerRemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			p.log.Warn("failed to reap sandbox", "container_id", shortID(m.ID), "error", err)
			continue
		}
		p.log.Info("sandbox reaped",
			"container_id", shortID(m.ID),
			"project_id", m.ProjectID,
			"state", m.State,
			"deadline", m.Deadline.Format(time.RFC3339),
		)
		removed++
	}
	return removed, nil
}

// expired 判断容器是否应被回收；没有可解析截止时间的容器不处理
func expired(m Managed, now time.Time, grace time.Duration) bool {
	if m.Deadline.IsZero() {
		return false
	}
	return now.After(m.Deadline.Add(grace))
}

func parseDeadline(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
