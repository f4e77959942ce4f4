package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitflow/internal/config"
	"permitflow/internal/sandbox"
	"permitflow/internal/shared/model"
)

func TestBuildDownloadManifest(t *testing.T) {
	buckets := config.MinIOConfig{UploadsBucket: "crossbeam-uploads", DemoBucket: "crossbeam-demo-assets"}
	files := []*model.ProjectFile{
		{Filename: "plans.pdf", StoragePath: "crossbeam-demo-assets/placentia/plans.pdf"},
		{Filename: "letter.pdf", StoragePath: "crossbeam-uploads/u1/p1/letter.pdf"},
		{Filename: "pages-png.tar.gz", StoragePath: "u1/p1/pages-png.tar.gz"},
	}

	got := BuildDownloadManifest(files, buckets, "/sandbox/project-files")
	assert.Equal(t, []Download{
		{Bucket: "crossbeam-demo-assets", Key: "placentia/plans.pdf", Target: "/sandbox/project-files/plans.pdf"},
		{Bucket: "crossbeam-uploads", Key: "u1/p1/letter.pdf", Target: "/sandbox/project-files/letter.pdf"},
		{Bucket: "crossbeam-uploads", Key: "u1/p1/pages-png.tar.gz", Target: "/sandbox/project-files/pages-png.tar.gz"},
	}, got)
}

func TestInstallDependencies(t *testing.T) {
	steps := []config.InstallStep{
		{Cmd: "npm", Args: []string{"install", "-g", "@anthropic-ai/claude-code"}, Sudo: true},
		{Cmd: "npm", Args: []string{"install", "@anthropic-ai/claude-agent-sdk"}},
	}

	t.Run("runs every step in order", func(t *testing.T) {
		env := newFakeEnv()
		require.NoError(t, InstallDependencies(context.Background(), env, steps))
		require.Len(t, env.runs, 2)
		assert.True(t, env.runs[0].Sudo)
		assert.False(t, env.runs[1].Sudo)
	})

	t.Run("second step fails", func(t *testing.T) {
		env := newFakeEnv()
		env.runFn = func(cmd sandbox.Command) (*sandbox.Result, error) {
			if len(cmd.Args) == 2 {
				return &sandbox.Result{ExitCode: 1, Stderr: "warn\nnpm ERR! 404"}, nil
			}
			return nil, nil
		}
		err := InstallDependencies(context.Background(), env, steps)
		var se *StageError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, StageInstall, se.Stage)
		assert.Contains(t, err.Error(), "step 2")
		assert.Contains(t, err.Error(), "npm ERR! 404")
	})
}

func TestCollectSkillSkipsHiddenEntries(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "california-adu")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "california-adu", ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "california-adu", ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "california-adu", "Thumbs.db"), []byte{1}, 0o644))

	dirs, files, err := collectSkill(filepath.Join(root, "california-adu"), "/skills/california-adu")
	require.NoError(t, err)

	assert.Equal(t, []string{"/skills/california-adu", "/skills/california-adu/references"}, dirs)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{
		"/skills/california-adu/SKILL.md",
		"/skills/california-adu/references/notes.md",
	}, paths)
}

func TestStageSkillsSkipsMissingDirectory(t *testing.T) {
	h := newHarness(t, model.FlowCityReview, "")
	env := newFakeEnv()

	staged, err := h.orch.StageSkills(context.Background(), env, []string{"california-adu", "does-not-exist"})
	require.NoError(t, err)
	assert.Equal(t, []string{"california-adu"}, staged)
	assert.True(t, env.dirs["/sandbox/.claude/skills/california-adu/references"])
}

func TestPhaseOneFiles(t *testing.T) {
	raw := json.RawMessage(`{
		"corrections_categorized.json": {"items":[{"id":1}]},
		"notes.md": "# Notes",
		"../escape.json": {}
	}`)
	files, err := phaseOneFiles("/out", raw, `[{"answer_text":"yes"}]`)
	require.NoError(t, err)

	byPath := map[string]string{}
	for _, f := range files {
		byPath[f.Path] = string(f.Content)
	}
	assert.Len(t, byPath, 3)
	assert.Equal(t, "# Notes", byPath["/out/notes.md"])
	assert.Equal(t, "{\n  \"items\": [\n    {\n      \"id\": 1\n    }\n  ]\n}", byPath["/out/corrections_categorized.json"])
	assert.Equal(t, `[{"answer_text":"yes"}]`, byPath["/out/contractor_answers.json"])
}

func TestPhaseOneFilesEmptyArtifacts(t *testing.T) {
	files, err := phaseOneFiles("/out", nil, "[]")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/out/contractor_answers.json", files[0].Path)
}

func TestPreloadSheetManifest(t *testing.T) {
	h := newHarness(t, model.FlowCityReview, "")
	env := newFakeEnv()

	loaded, err := h.orch.PreloadSheetManifest(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, loaded)

	fixture := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(fixture, []byte(`{"sheets":[]}`), 0o644))
	h.orch.opts.Sandbox.SheetManifestFixture = fixture

	loaded, err = h.orch.PreloadSheetManifest(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, loaded)
	content, ok := env.get("/sandbox/project-files/output/sheet-manifest.json")
	require.True(t, ok)
	assert.Equal(t, `{"sheets":[]}`, content)
}

func TestUnpackArchives(t *testing.T) {
	h := newHarness(t, model.FlowCorrectionsAnalysis, "")
	env := newFakeEnv()
	env.put("/sandbox/project-files/pages-png.tar.gz", "archive")
	env.put("/sandbox/project-files/broken.tar.gz", "archive")
	env.put("/sandbox/project-files/plans.pdf", "pdf")
	env.runFn = func(cmd sandbox.Command) (*sandbox.Result, error) {
		if cmd.Cmd == "tar" && cmd.Args[1] == "/sandbox/project-files/broken.tar.gz" {
			return &sandbox.Result{ExitCode: 2, Stderr: "gzip: stdin: not in gzip format"}, nil
		}
		return nil, nil
	}

	n := h.orch.UnpackArchives(context.Background(), env, testProjectID)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{
		"/sandbox/project-files/broken.tar.gz",
		"/sandbox/project-files/plans.pdf",
	}, env.paths("/sandbox/project-files/"))
	assert.Equal(t, []string{"Unpacking 2 pre-extracted archives..."}, h.sink.contents(model.RoleSystem))
}

func TestUnpackArchivesNone(t *testing.T) {
	h := newHarness(t, model.FlowCityReview, "")
	env := newFakeEnv()
	env.put("/sandbox/project-files/plans.pdf", "pdf")

	assert.Zero(t, h.orch.UnpackArchives(context.Background(), env, testProjectID))
	assert.Empty(t, env.runs)
}

func agentPrompt(t *testing.T, cmd sandbox.Command) string {
	t.Helper()
	for i, a := range cmd.Args {
		if a == "-p" && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	t.Fatalf("no prompt in %v", cmd.Args)
	return ""
}

func TestPromptReflectsManifestPreload(t *testing.T) {
	t.Run("no fixture", func(t *testing.T) {
		h := newHarness(t, model.FlowCityReview, "Placentia")
		h.env.onStart = reviewOutputs(h.opts.Sandbox.OutputPath)
		require.NoError(t, h.run(model.FlowCityReview))

		require.Len(t, h.env.started, 1)
		prompt := agentPrompt(t, h.env.started[0])
		assert.Contains(t, prompt, "PHASE 1 - Sheet manifest")
		assert.NotContains(t, prompt, "already in place")
		assert.NotContains(t, h.sink.contents(model.RoleSystem), "[SANDBOX 5.5/7] Sheet manifest pre-loaded")
	})

	t.Run("fixture staged", func(t *testing.T) {
		h := newHarness(t, model.FlowCityReview, "Placentia")
		fixture := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(fixture, []byte(`{"sheets":[]}`), 0o644))
		h.orch.opts.Sandbox.SheetManifestFixture = fixture
		h.env.onStart = reviewOutputs(h.opts.Sandbox.OutputPath)
		require.NoError(t, h.run(model.FlowCityReview))

		require.Len(t, h.env.started, 1)
		prompt := agentPrompt(t, h.env.started[0])
		assert.Contains(t, prompt, "sheet-manifest.json is already in place")
		assert.NotContains(t, prompt, "PHASE 1 - Sheet manifest")
		assert.Contains(t, h.sink.contents(model.RoleSystem), "[SANDBOX 5.5/7] Sheet manifest pre-loaded")
	})
}
