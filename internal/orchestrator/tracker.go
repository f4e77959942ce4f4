package orchestrator

import (
	"sync"
	"time"

	"permitflow/pkg/logging"
)

// subagentRecord 子代理记录
type subagentRecord struct {
	Index       int
	ToolUseID   string
	Description string
	SpawnedAt   time.Time
	ResolvedAt  time.Time
}

// SubagentTracker 单次运行内的子代理派生/完成跟踪
//
// 每次运行创建一个实例并注入 Relay，不共享。
type SubagentTracker struct {
	mu      sync.Mutex
	started time.Time
	records map[string]*subagentRecord
	order   []string
	now     func() time.Time
	log     *logging.Logger
}

// NewSubagentTracker 创建跟踪器
func NewSubagentTracker(log *logging.Logger) *SubagentTracker {
	if log == nil {
		log = logging.Nop()
	}
	t := &SubagentTracker{
		records: make(map[string]*subagentRecord),
		now:     time.Now,
		log:     log,
	}
	t.started = t.now()
	return t
}

// TrackSpawn 记录一次 Task 工具调用；重复 ID 忽略
func (t *SubagentTracker) TrackSpawn(toolUseID, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[toolUseID]; ok {
		return
	}
	r := &subagentRecord{
		Index:       len(t.order) + 1,
		ToolUseID:   toolUseID,
		Description: description,
		SpawnedAt:   t.now(),
	}
	t.records[toolUseID] = r
	t.order = append(t.order, toolUseID)
	t.log.Info("subagent spawned",
		"index", r.Index,
		"elapsed", r.SpawnedAt.Sub(t.started).Round(time.Second).String(),
		"description", description,
	)
}

// MarkResolved 标记子代理完成；未知 ID 或已完成的忽略
func (t *SubagentTracker) MarkResolved(toolUseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolveLocked(toolUseID)
}

func (t *SubagentTracker) resolveLocked(toolUseID string) {
	r, ok := t.records[toolUseID]
	if !ok || !r.ResolvedAt.IsZero() {
		return
	}
	r.ResolvedAt = t.now()
	t.log.Info("subagent resolved",
		"index", r.Index,
		"duration", r.ResolvedAt.Sub(r.SpawnedAt).Round(time.Second).String(),
		"description", r.Description,
	)
}

// MarkAllResolved 父 Agent 拿到最终结果时调用
func (t *SubagentTracker) MarkAllResolved() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		t.resolveLocked(id)
	}
}

// Pending 未完成数量
func (t *SubagentTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.records {
		if r.ResolvedAt.IsZero() {
			n++
		}
	}
	return n
}

// TrackerSummary 汇总
type TrackerSummary struct {
	Spawned     int
	Resolved    int
	Longest     time.Duration
	AverageTime time.Duration
}

// Summary 返回汇总信息
func (t *SubagentTracker) Summary() TrackerSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TrackerSummary{Spawned: len(t.order)}
	var total time.Duration
	for _, r := range t.records {
		if r.ResolvedAt.IsZero() {
			continue
		}
		d := r.ResolvedAt.Sub(r.SpawnedAt)
		s.Resolved++
		total += d
		if d > s.Longest {
			s.Longest = d
		}
	}
	if s.Resolved > 0 {
		s.AverageTime = total / time.Duration(s.Resolved)
	}
	return s
}

// LogSummary 在运行结束时输出汇总日志
func (t *SubagentTracker) LogSummary() {
	s := t.Summary()
	if s.Spawned == 0 {
		return
	}
	t.log.Info("subagent summary",
		"spawned", s.Spawned,
		"resolved", s.Resolved,
		"longest", s.Longest.Round(time.Second).String(),
		"average", s.AverageTime.Round(time.Second).String(),
	)
}
