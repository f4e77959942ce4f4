package docker

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moby/moby/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitflow/internal/sandbox"
	"permitflow/pkg/logging"
)

func TestGrantedLease(t *testing.T) {
	assert.Equal(t, 10*time.Minute, grantedLease(30*time.Minute, 10*time.Minute))
	assert.Equal(t, 5*time.Minute, grantedLease(5*time.Minute, 10*time.Minute))
	assert.Equal(t, 30*time.Minute, grantedLease(30*time.Minute, 0))
}

func TestMapContainerState(t *testing.T) {
	tests := []struct {
		in   string
		want sandbox.State
	}{
		{"created", sandbox.StateCreated},
		{"running", sandbox.StateRunning},
		{"restarting", sandbox.StateRunning},
		{"exited", sandbox.StateExited},
		{"dead", sandbox.StateStopped},
		{"removing", sandbox.StateRemoving},
		{"weird", sandbox.StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, mapContainerState(tt.in))
		})
	}
}

func TestBuildTarRoundTrip(t *testing.T) {
	r, err := buildTar([]sandbox.File{
		{Path: "/sandbox/.claude/skills/a/SKILL.md", Content: []byte("# skill")},
		{Path: "/sandbox/run.sh", Content: []byte("echo"), Mode: 0755},
	})
	require.NoError(t, err)

	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "sandbox/.claude/skills/a/SKILL.md", hdr.Name)
	assert.Equal(t, int64(0644), hdr.Mode)
	body, _ := io.ReadAll(tr)
	assert.Equal(t, "# skill", string(body))

	hdr, err = tr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(0755), hdr.Mode)
}

func TestReadSingleFile(t *testing.T) {
	r, err := buildTar([]sandbox.File{{Path: "lease", Content: []byte("1700000000\n")}})
	require.NoError(t, err)
	data, err := readSingleFile(r)
	require.NoError(t, err)
	assert.Equal(t, "1700000000\n", string(data))

	empty, err := buildTar(nil)
	require.NoError(t, err)
	_, err = readSingleFile(empty)
	assert.ErrorIs(t, err, sandbox.ErrNotExist)
}

func TestParseFindOutput(t *testing.T) {
	out := "draft_corrections.md\t1200\ncorrections_letter.pdf\t52000\n\n"
	files := parseFindOutput("/sandbox/project-files/output/", out)
	require.Len(t, files, 2)
	assert.Equal(t, "draft_corrections.md", files[0].Name)
	assert.Equal(t, "/sandbox/project-files/output/draft_corrections.md", files[0].Path)
	assert.Equal(t, int64(52000), files[1].Size)
}

func TestDetachedCommand(t *testing.T) {
	plain := sandbox.Command{Cmd: "claude", Args: []string{"-p", "x"}}
	assert.Equal(t, plain, detachedCommand(plain))

	cmd := sandbox.Command{
		Cmd:    "claude",
		Args:   []string{"-p", "review $HOME; rm -rf /"},
		Env:    map[string]string{"A": "1"},
		Stdout: "/sandbox/out.jsonl",
	}
	wrapped := detachedCommand(cmd)
	assert.Equal(t, "/bin/sh", wrapped.Cmd)
	assert.Equal(t, []string{"-c", redirectWrapper, "claude", "-p", "review $HOME; rm -rf /"}, wrapped.Args)
	assert.Equal(t, "/sandbox/out.jsonl", wrapped.Env["PERMITFLOW_STDOUT"])
	assert.Equal(t, "1", wrapped.Env["A"])
	_, hasStderr := wrapped.Env["PERMITFLOW_STDERR"]
	assert.False(t, hasStderr)
}

func TestExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	grace := 10 * time.Minute

	assert.False(t, expired(Managed{}, now, grace))
	assert.False(t, expired(Managed{Deadline: now.Add(-5 * time.Minute)}, now, grace))
	assert.True(t, expired(Managed{Deadline: now.Add(-11 * time.Minute)}, now, grace))
	assert.False(t, expired(Managed{Deadline: now.Add(time.Hour)}, now, grace))
}

func TestParseDeadline(t *testing.T) {
	assert.True(t, parseDeadline("").IsZero())
	assert.True(t, parseDeadline("abc").IsZero())
	assert.Equal(t, int64(1700000000), parseDeadline("1700000000").Unix())
}

// ====================================================================
// 启动失败清理
// ====================================================================

const testContainerID = "4f0c1d2e3a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5"

// fakeDaemon 只实现 create / start / remove，start 总是失败
func fakeDaemon(t *testing.T, removeStatus int) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Api-Version", "1.47")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_ping"):
			_, _ = w.Write([]byte("OK"))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/containers/create"):
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"Id":"` + testContainerID + `","Warnings":[]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/start"):
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"cannot start container"}`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(removeStatus)
			if removeStatus != http.StatusNoContent {
				_, _ = w.Write([]byte(`{"message":"device or resource busy"}`))
			}
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), calls...)
	}
}

func newTestProvider(t *testing.T, srv *httptest.Server) (*Provider, string) {
	t.Helper()
	cli, err := client.New(client.WithHost("tcp://" + strings.TrimPrefix(srv.URL, "http://")))
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })

	logPath := filepath.Join(t.TempDir(), "sandbox.log")
	return &Provider{
		client:       cli,
		pollInterval: time.Millisecond,
		log:          logging.New(logging.Config{Level: "debug", Format: "json", Output: logPath, Component: "sandbox"}),
		now:          time.Now,
	}, logPath
}

func TestCreateStartFailureRemovesContainer(t *testing.T) {
	tests := []struct {
		name         string
		removeStatus int
		wantWarning  bool
	}{
		{"remove succeeds", http.StatusNoContent, false},
		{"remove fails", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := fakeDaemon(t, tt.removeStatus)
			p, logPath := newTestProvider(t, srv)

			_, err := p.Create(context.Background(), sandbox.Spec{Image: "node:22-bookworm", Timeout: time.Minute})
			var pe *sandbox.ProvisionError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "node:22-bookworm", pe.Image)

			var removed bool
			for _, c := range calls() {
				if strings.HasPrefix(c, http.MethodDelete+" ") && strings.HasSuffix(c, "/containers/"+testContainerID) {
					removed = true
				}
			}
			assert.True(t, removed, "container should be removed after start failure: %v", calls())

			data, err := os.ReadFile(logPath)
			require.NoError(t, err)
			logged := strings.Contains(string(data), "failed to remove unstarted sandbox")
			assert.Equal(t, tt.wantWarning, logged)
			if tt.wantWarning {
				assert.Contains(t, string(data), shortID(testContainerID))
			}
		})
	}
}
