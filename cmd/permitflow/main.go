// Package main permitflow 入口
//
// 子命令：
//   - serve: HTTP 触发接口（内存队列时同进程运行 Worker）
//   - worker: 消费运行队列并执行流水线
//   - run: 同步执行一次运行（调试用）
//   - migrate: 执行数据库 Schema 迁移
//   - reap: 回收一次过期沙箱
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"permitflow/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "permitflow",
		Short:         "Agent orchestrator for construction-permit review",
		Long:          "permitflow runs Claude Code agents in isolated sandboxes to review ADU permit plans and draft corrections responses.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				config.SetConfigDir(dir)
			}
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config directory (default: CONFIG_DIR or per-environment path)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newReapCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}
