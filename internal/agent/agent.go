// Package agent Claude Code CLI 的命令构建与 stream-json 事件解析
//
// CLI 以 --output-format stream-json 运行，每行一个 JSON 事件：
//   - system：会话初始化
//   - assistant：模型输出，content 为 text / tool_use 块
//   - user：工具结果，content 为 tool_result 块
//   - result：运行结束汇总（轮次、费用、耗时）
package agent

import (
	"strconv"

	"permitflow/internal/sandbox"
)

// CommandOptions CLI 启动参数
type CommandOptions struct {
	CLI          string
	Prompt       string
	SystemAppend string
	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
	APIKey       string
	Dir          string
	// EventsPath 事件流输出文件（环境内路径）
	EventsPath string
	Env        map[string]string
}

// BuildCommand 构建分离执行的 CLI 命令
//
// 提示词作为独立 argv 元素传入，不经过 shell。
func BuildCommand(opts CommandOptions) sandbox.Command {
	cli := opts.CLI
	if cli == "" {
		cli = "claude"
	}

	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', 2, 64))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemAppend != "" {
		args = append(args, "--append-system-prompt", opts.SystemAppend)
	}

	env := map[string]string{}
	for k, v := range opts.Env {
		env[k] = v
	}
	if opts.APIKey != "" {
		env["ANTHROPIC_API_KEY"] = opts.APIKey
	}

	return sandbox.Command{
		Cmd:    cli,
		Args:   args,
		Env:    env,
		Dir:    opts.Dir,
		Stdout: opts.EventsPath,
		Stderr: opts.EventsPath + ".stderr",
	}
}
