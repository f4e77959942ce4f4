package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	cmd := BuildCommand(CommandOptions{
		Prompt:       "Review the plans; don't `rm`",
		SystemAppend: "extra",
		Model:        "claude-opus-4-6",
		MaxTurns:     150,
		MaxBudgetUSD: 20,
		APIKey:       "sk-test",
		Dir:          "/sandbox",
		EventsPath:   "/sandbox/.permitflow/agent-events.jsonl",
	})

	assert.Equal(t, "claude", cmd.Cmd)
	assert.Equal(t, "Review the plans; don't `rm`", cmd.Args[1])
	joined := strings.Join(cmd.Args, " ")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--max-turns 150")
	assert.Contains(t, joined, "--max-budget-usd 20.00")
	assert.Contains(t, joined, "--model claude-opus-4-6")
	assert.Contains(t, joined, "--append-system-prompt extra")
	assert.Equal(t, "sk-test", cmd.Env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "/sandbox/.permitflow/agent-events.jsonl", cmd.Stdout)
	assert.Equal(t, "/sandbox", cmd.Dir)
}

func TestBuildCommandOmitsUnsetLimits(t *testing.T) {
	cmd := BuildCommand(CommandOptions{CLI: "/usr/local/bin/claude", Prompt: "x"})
	assert.Equal(t, "/usr/local/bin/claude", cmd.Cmd)
	assert.NotContains(t, cmd.Args, "--max-turns")
	assert.NotContains(t, cmd.Args, "--model")
	_, ok := cmd.Env["ANTHROPIC_API_KEY"]
	assert.False(t, ok)
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType EventType
		wantNil  bool
	}{
		{"assistant", `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`, EventAssistant, false},
		{"user", `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1"}]}}`, EventUser, false},
		{"system", `{"type":"system","subtype":"init"}`, EventSystem, false},
		{"result", `{"type":"result","subtype":"success","num_turns":3,"total_cost_usd":0.5}`, EventResult, false},
		{"unknown type", `{"type":"stream_event"}`, "", true},
		{"invalid json", `{invalid}`, "", true},
		{"plain text", `npm WARN deprecated`, "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEvent(tt.line)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, e)
				return
			}
			require.NotNil(t, e)
			assert.Equal(t, tt.wantType, e.Type)
		})
	}
}

func TestParseEventBlocks(t *testing.T) {
	e, err := ParseEvent(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Starting review"},` +
		`{"type":"tool_use","id":"toolu_1","name":"Task","input":{"description":"Review arch sheets A1-A4"}}]}}`)
	require.NoError(t, err)
	require.Len(t, e.Blocks, 2)
	assert.Equal(t, "Starting review", e.Blocks[0].Text)
	assert.True(t, e.Blocks[1].IsSubagentSpawn())
	assert.Equal(t, "Review arch sheets A1-A4", e.Blocks[1].TaskDescription())

	e, err = ParseEvent(`{"type":"user","message":{"content":"plain string"}}`)
	require.NoError(t, err)
	require.Len(t, e.Blocks, 1)
	assert.Equal(t, "plain string", e.Blocks[0].Text)
}

func TestParseEventResult(t *testing.T) {
	e, err := ParseEvent(`{"type":"result","subtype":"success","is_error":false,"num_turns":42,"total_cost_usd":3.14159,"duration_ms":600000,"result":"done"}`)
	require.NoError(t, err)
	require.NotNil(t, e.Result)
	assert.Equal(t, 42, e.Result.NumTurns)
	assert.InDelta(t, 3.14159, e.Result.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(600000), e.Result.DurationMs)
	assert.Equal(t, "done", e.Result.Text)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short", 200))
	long := strings.Repeat("é", 250)
	p := Preview(long, 200)
	assert.Equal(t, 203, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "..."))
}
