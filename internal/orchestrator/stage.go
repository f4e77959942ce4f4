package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"permitflow/internal/config"
	"permitflow/internal/sandbox"
	"permitflow/internal/shared/model"
)

// ============================================================================
// 文件下载
// ============================================================================

// Download 单个待下载文件
type Download struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Target string `json:"target"`
}

// BuildDownloadManifest 根据 storage_path 前缀推断 bucket
//
//	<demo_bucket>/<rest>    → demo bucket, <rest>
//	<uploads_bucket>/<rest> → uploads bucket, <rest>
//	其他                    → uploads bucket, 整个路径
func BuildDownloadManifest(files []*model.ProjectFile, buckets config.MinIOConfig, filesPath string) []Download {
	out := make([]Download, 0, len(files))
	for _, f := range files {
		bucket, key := resolveBucket(f.StoragePath, buckets)
		out = append(out, Download{
			Bucket: bucket,
			Key:    key,
			Target: path.Join(filesPath, f.Filename),
		})
	}
	return out
}

func resolveBucket(storagePath string, buckets config.MinIOConfig) (string, string) {
	if rest, ok := strings.CutPrefix(storagePath, buckets.DemoBucket+"/"); ok {
		return buckets.DemoBucket, rest
	}
	if rest, ok := strings.CutPrefix(storagePath, buckets.UploadsBucket+"/"); ok {
		return buckets.UploadsBucket, rest
	}
	return buckets.UploadsBucket, storagePath
}

// downloadTask 为清单生成下载任务（每个文件一条 curl 命令）
func (o *Orchestrator) downloadTask(ctx context.Context, manifest []Download) (*sandbox.Task, error) {
	task := &sandbox.Task{Name: "download-project-files"}
	for _, d := range manifest {
		url, err := o.objects.PresignedGet(ctx, d.Bucket, d.Key, o.opts.MinIO.PresignTTL)
		if err != nil {
			return nil, fmt.Errorf("presign %s/%s: %w", d.Bucket, d.Key, err)
		}
		task.Steps = append(task.Steps, sandbox.Command{
			Cmd:  "curl",
			Args: []string{"-fsSL", "--create-dirs", "-o", d.Target, url},
		})
	}
	return task, nil
}

// StageFiles 在环境内下载项目文件
//
// 全部失败为致命错误；部分失败记录告警并写入运行日志。返回成功数量。
func (o *Orchestrator) StageFiles(ctx context.Context, env sandbox.Environment, projectID string, files []*model.ProjectFile) (int, error) {
	manifest := BuildDownloadManifest(files, o.opts.MinIO, o.opts.Sandbox.FilesPath)
	task, err := o.downloadTask(ctx, manifest)
	if err != nil {
		return 0, stageErr(StageDownload, err)
	}

	// 任务定义留档，便于排查
	if data, err := json.MarshalIndent(task, "", "  "); err == nil {
		auditPath := path.Join(o.opts.Sandbox.WorkDir, ".permitflow", "download-task.json")
		if err := env.WriteFiles(ctx, []sandbox.File{{Path: auditPath, Content: data, Mode: 0600}}); err != nil {
			o.log.Warn("failed to write download task", "error", err)
		}
	}

	var ok, failed int
	for i, step := range task.Steps {
		res, err := env.Run(ctx, step)
		switch {
		case err != nil:
			failed++
			o.log.Warn("download failed", "file", path.Base(manifest[i].Target), "error", err)
		case !res.OK():
			failed++
			o.log.Warn("download failed", "file", path.Base(manifest[i].Target),
				"bucket", manifest[i].Bucket, "exit_code", res.ExitCode, "stderr", lastLine(res.Stderr))
		default:
			ok++
		}
	}

	o.log.Info("download complete", "succeeded", ok, "failed", failed)
	if ok == 0 && len(task.Steps) > 0 {
		return 0, stageErr(StageDownload, fmt.Errorf("all %d downloads failed", failed))
	}
	if failed > 0 {
		o.sink.System(ctx, projectID, fmt.Sprintf("Warning: %d of %d files failed to download", failed, len(task.Steps)))
	}
	return ok, nil
}

// UnpackArchives 解压 files_path 下的 *.tar.gz 并删除原包，失败只告警
func (o *Orchestrator) UnpackArchives(ctx context.Context, env sandbox.Environment, projectID string) int {
	filesPath := o.opts.Sandbox.FilesPath
	entries, err := env.ReadDir(ctx, filesPath)
	if err != nil {
		o.log.Warn("failed to list project files", "error", err)
		return 0
	}

	var archives []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name, ".tar.gz") {
			archives = append(archives, e.Path)
		}
	}
	if len(archives) == 0 {
		return 0
	}

	o.sink.System(ctx, projectID, fmt.Sprintf("Unpacking %d pre-extracted archives...", len(archives)))
	unpacked := 0
	for _, archive := range archives {
		res, err := env.Run(ctx, sandbox.Command{Cmd: "tar", Args: []string{"xzf", archive, "-C", filesPath}})
		if err != nil || !res.OK() {
			o.log.Warn("failed to unpack archive", "archive", archive, "error", err, "stderr", resultStderr(res))
			continue
		}
		if _, err := env.Run(ctx, sandbox.Command{Cmd: "rm", Args: []string{"-f", archive}}); err != nil {
			o.log.Warn("failed to remove archive", "archive", archive, "error", err)
		}
		unpacked++
	}
	return unpacked
}

func resultStderr(res *sandbox.Result) string {
	if res == nil {
		return ""
	}
	return lastLine(res.Stderr)
}

// ============================================================================
// 技能包
// ============================================================================

// skipNames 不复制的系统文件
var skipNames = map[string]bool{
	".DS_Store": true,
	"Thumbs.db": true,
	".gitkeep":  true,
}

func skipEntry(name string) bool {
	return skipNames[name] || strings.HasPrefix(name, ".")
}

// collectSkill 读取宿主机上的一个技能目录，返回目标目录列表与文件
func collectSkill(srcRoot, dstRoot string) ([]string, []sandbox.File, error) {
	dirs := []string{dstRoot}
	var files []sandbox.File

	err := filepath.WalkDir(srcRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == srcRoot {
			return nil
		}
		if skipEntry(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return err
		}
		target := path.Join(dstRoot, filepath.ToSlash(rel))

		if d.IsDir() {
			dirs = append(dirs, target)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, sandbox.File{Path: target, Content: content, Mode: 0644})
		return nil
	})
	return dirs, files, err
}

// StageSkills 复制技能包到环境内：先建全部目录，再一次性写入文件
//
// 宿主机上缺失的技能目录只告警并跳过；写入失败为致命错误。
func (o *Orchestrator) StageSkills(ctx context.Context, env sandbox.Environment, names []string) ([]string, error) {
	var (
		dirs   []string
		files  []sandbox.File
		staged []string
	)
	for _, name := range names {
		src := filepath.Join(o.opts.Agent.SkillsDir, name)
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			o.log.Warn("skill directory not found, skipping", "skill", name, "path", src)
			continue
		}
		d, f, err := collectSkill(src, path.Join(o.opts.Sandbox.SkillsPath, name))
		if err != nil {
			return nil, stageErr(StageSkills, fmt.Errorf("read skill %s: %w", name, err))
		}
		dirs = append(dirs, d...)
		files = append(files, f...)
		staged = append(staged, name)
	}

	if err := env.MkdirAll(ctx, dirs...); err != nil {
		return nil, stageErr(StageSkills, err)
	}
	if err := env.WriteFiles(ctx, files); err != nil {
		return nil, stageErr(StageSkills, err)
	}
	o.log.Info("skills staged", "skills", strings.Join(staged, ","), "files", len(files))
	return staged, nil
}

// ============================================================================
// 预置产物
// ============================================================================

// PreloadSheetManifest 写入预置的 sheet-manifest.json
func (o *Orchestrator) PreloadSheetManifest(ctx context.Context, env sandbox.Environment) (bool, error) {
	fixture := o.opts.Sandbox.SheetManifestFixture
	if fixture == "" {
		return false, nil
	}
	content, err := os.ReadFile(fixture)
	if err != nil {
		return false, stageErr(StageManifest, err)
	}
	target := path.Join(o.opts.Sandbox.OutputPath, "sheet-manifest.json")
	if err := env.WriteFiles(ctx, []sandbox.File{{Path: target, Content: content}}); err != nil {
		return false, stageErr(StageManifest, err)
	}
	return true, nil
}

// phaseOneFiles 把分析阶段的 raw_artifacts 还原为文件
//
// 字符串值原样写入，其他值格式化为缩进 JSON。
func phaseOneFiles(outputPath string, artifacts json.RawMessage, answersJSON string) ([]sandbox.File, error) {
	var m map[string]json.RawMessage
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &m); err != nil {
			return nil, fmt.Errorf("decode raw_artifacts: %w", err)
		}
	}

	files := make([]sandbox.File, 0, len(m)+1)
	for name, raw := range m {
		if name == "" || strings.ContainsAny(name, "/\\") {
			continue
		}
		var s string
		var content []byte
		if err := json.Unmarshal(raw, &s); err == nil {
			content = []byte(s)
		} else {
			var buf bytes.Buffer
			if err := json.Indent(&buf, raw, "", "  "); err != nil {
				content = raw
			} else {
				content = buf.Bytes()
			}
		}
		files = append(files, sandbox.File{Path: path.Join(outputPath, name), Content: content})
	}
	files = append(files, sandbox.File{
		Path:    path.Join(outputPath, "contractor_answers.json"),
		Content: []byte(answersJSON),
	})
	return files, nil
}

// WritePhaseOneArtifacts 写入分析阶段产物与承包商回答
func (o *Orchestrator) WritePhaseOneArtifacts(ctx context.Context, env sandbox.Environment, artifacts json.RawMessage, answersJSON string) (int, error) {
	files, err := phaseOneFiles(o.opts.Sandbox.OutputPath, artifacts, answersJSON)
	if err != nil {
		return 0, stageErr(StagePhase1, err)
	}
	if err := env.WriteFiles(ctx, files); err != nil {
		return 0, stageErr(StagePhase1, err)
	}
	return len(files), nil
}
