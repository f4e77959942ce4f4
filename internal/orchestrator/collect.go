package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"permitflow/internal/flow"
	"permitflow/internal/sandbox"
	"permitflow/internal/shared/model"
	"permitflow/internal/shared/storage"
)

// maxVersionAttempts 版本号冲突时的最大重试次数
const maxVersionAttempts = 5

// binaryExts 需要上传到对象存储的二进制扩展名
var binaryExts = map[string]bool{
	"pdf": true, "png": true, "jpg": true, "jpeg": true,
	"gif": true, "zip": true, "tar": true, "gz": true,
}

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"json": "application/json",
}

func fileExt(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// MimeType 按扩展名推断上传的 Content-Type
func MimeType(name string) string {
	if t, ok := mimeTypes[fileExt(name)]; ok {
		return t
	}
	return "application/octet-stream"
}

// IsBinaryOutput 是否按二进制产物处理
func IsBinaryOutput(name string) bool {
	return binaryExts[fileExt(name)]
}

// runInfo 单次运行的上下文
type runInfo struct {
	ID        string
	ProjectID string
	UserID    string
	Flow      model.FlowType
	Started   time.Time
	Stats     *RunStats
}

// collected 产出目录的分类结果
type collected struct {
	// artifacts 文件名 → JSON 值（文本内嵌，二进制为存储路径）
	artifacts map[string]json.RawMessage
	// texts 文本文件原文
	texts map[string]string
	// uploads 二进制文件名 → 存储路径
	uploads map[string]string
}

func (c *collected) names() []string {
	names := make([]string, 0, len(c.artifacts))
	for name := range c.artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *collected) text(name string) *string {
	s, ok := c.texts[name]
	if !ok {
		return nil
	}
	return &s
}

func (c *collected) upload(name string) *string {
	key, ok := c.uploads[name]
	if !ok {
		return nil
	}
	return &key
}

func (c *collected) jsonValue(name string) json.RawMessage {
	return c.artifacts[name]
}

// classifyText 能解析为 JSON 的内容原样保存，否则保存为 JSON 字符串
func classifyText(content []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(string(content))
	return encoded
}

// gather 读取产出目录：二进制上传，文本解析
func (o *Orchestrator) gather(ctx context.Context, env sandbox.Environment, run *runInfo) (*collected, error) {
	entries, err := env.ReadDir(ctx, o.opts.Sandbox.OutputPath)
	if err != nil && !errors.Is(err, sandbox.ErrNotExist) {
		return nil, &CollectError{Err: err}
	}

	c := &collected{
		artifacts: make(map[string]json.RawMessage, len(entries)),
		texts:     make(map[string]string),
		uploads:   make(map[string]string),
	}
	for _, e := range entries {
		content, err := env.ReadFile(ctx, e.Path, 0)
		if err != nil {
			if IsBinaryOutput(e.Name) {
				return nil, &CollectError{File: e.Name, Err: err}
			}
			o.log.Warn("skipping unreadable output", "file", e.Name, "error", err)
			continue
		}

		if IsBinaryOutput(e.Name) {
			key := run.UserID + "/" + run.ProjectID + "/" + e.Name
			if err := o.objects.Upload(ctx, o.opts.MinIO.OutputsBucket, key,
				bytes.NewReader(content), int64(len(content)), MimeType(e.Name)); err != nil {
				return nil, &CollectError{File: e.Name, Err: err}
			}
			o.log.Info("output uploaded", "file", e.Name, "key", key, "size", len(content))
			c.uploads[e.Name] = key
			encoded, _ := json.Marshal(key)
			c.artifacts[e.Name] = encoded
			continue
		}

		c.texts[e.Name] = string(content)
		c.artifacts[e.Name] = classifyText(content)
	}
	return c, nil
}

// buildOutput 按阶段填充产出字段
func buildOutput(run *runInfo, c *collected, now time.Time) (*model.Output, error) {
	raw, err := json.Marshal(c.artifacts)
	if err != nil {
		return nil, err
	}

	out := &model.Output{
		ProjectID:    run.ProjectID,
		FlowPhase:    run.Flow.Phase(),
		RawArtifacts: raw,
	}

	turns, cost, duration, ok := run.Stats.Snapshot()
	out.AgentTurns = turns
	out.AgentCostUSD = cost
	out.AgentDurationMs = now.Sub(run.Started).Milliseconds()
	if ok && out.AgentDurationMs <= 0 {
		out.AgentDurationMs = duration
	}

	switch out.FlowPhase {
	case model.PhaseReview:
		out.CorrectionsLetterMD = c.text("draft_corrections.md")
		out.ReviewChecklistJSON = c.jsonValue("draft_corrections.json")
		out.CorrectionsLetterPDFPath = c.upload("corrections_letter.pdf")
	case model.PhaseAnalysis:
		out.CorrectionsAnalysisJSON = c.jsonValue("corrections_categorized.json")
		out.ContractorQuestionsJSON = c.jsonValue("contractor_questions.json")
	case model.PhaseResponse:
		out.ResponseLetterMD = c.text("response_letter.md")
		out.ProfessionalScopeMD = c.text("professional_scope.md")
		out.CorrectionsReportMD = c.text("corrections_report.md")
		out.ResponseLetterPDFPath = c.upload("response_letter.pdf")
	}
	return out, nil
}

// insertVersioned 以 MAX(version)+1 插入，唯一约束冲突时重读重试
func insertVersioned(ctx context.Context, store storage.OutputStore, out *model.Output) error {
	var err error
	for attempt := 1; attempt <= maxVersionAttempts; attempt++ {
		var latest int
		latest, err = store.LatestOutputVersion(ctx, out.ProjectID, out.FlowPhase)
		if err != nil {
			return err
		}
		out.ID = uuid.NewString()
		out.Version = latest + 1
		err = store.CreateOutput(ctx, out)
		if !errors.Is(err, storage.ErrDuplicate) {
			return err
		}
	}
	return fmt.Errorf("output version for %s/%s still conflicting after %d attempts: %w",
		out.ProjectID, out.FlowPhase, maxVersionAttempts, err)
}

// Collect 收集产出并写入新版本的产出记录
//
// 分析流程还会把 contractor_questions.json 归一化后替换项目的未回答问题。
func (o *Orchestrator) Collect(ctx context.Context, env sandbox.Environment, run *runInfo) (*model.Output, error) {
	c, err := o.gather(ctx, env, run)
	if err != nil {
		return nil, err
	}

	names := c.names()
	o.log.Info("outputs found", "files", strings.Join(names, ","))
	if missing := flow.MissingOutputs(run.Flow, names); len(missing) > 0 {
		o.log.Warn("required outputs missing", "missing", strings.Join(missing, ","))
		o.sink.System(ctx, run.ProjectID, "Missing expected outputs: "+strings.Join(missing, ", "))
	}

	out, err := buildOutput(run, c, time.Now())
	if err != nil {
		return nil, &CollectError{Err: err}
	}
	if err := insertVersioned(ctx, o.store, out); err != nil {
		return nil, &CollectError{Err: fmt.Errorf("create output record: %w", err)}
	}
	o.log.Info("output record created", "output_id", out.ID, "version", out.Version, "phase", out.FlowPhase)

	if run.Flow == model.FlowCorrectionsAnalysis {
		if raw := c.jsonValue("contractor_questions.json"); len(raw) > 0 {
			if err := o.storeQuestions(ctx, run.ProjectID, out.ID, raw); err != nil {
				return nil, &CollectError{File: "contractor_questions.json", Err: err}
			}
		}
	}
	return out, nil
}

func (o *Orchestrator) storeQuestions(ctx context.Context, projectID, outputID string, raw json.RawMessage) error {
	qs, err := NormalizeQuestions(raw)
	if err != nil {
		return err
	}
	if len(qs) == 0 {
		o.log.Info("no contractor questions found in any known format")
		return nil
	}
	for _, q := range qs {
		q.ProjectID = projectID
		q.OutputID = &outputID
	}
	if err := o.store.ReplaceUnansweredQuestions(ctx, projectID, qs); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}
	o.log.Info("contractor questions inserted", "count", len(qs))
	return nil
}
