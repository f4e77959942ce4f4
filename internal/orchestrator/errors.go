package orchestrator

import (
	"errors"
	"fmt"
)

// 阶段名称
const (
	StageProvision = "provision"
	StageInstall   = "install"
	StageDownload  = "download"
	StageSkills    = "skills"
	StageManifest  = "manifest"
	StagePhase1    = "phase1"
	StageLaunch    = "launch"
	StageCollect   = "collect"
)

var (
	// ErrSupervisionExhausted 等待 Agent 完成的重试次数耗尽
	ErrSupervisionExhausted = errors.New("agent supervision exhausted")

	// ErrNoFiles 项目没有任何输入文件
	ErrNoFiles = errors.New("No files found for project")

	// ErrProjectNotFound 项目不存在
	ErrProjectNotFound = errors.New("project not found")

	// ErrNoAnalysis 回复流程缺少分析阶段产出
	ErrNoAnalysis = errors.New("no corrections analysis output found for project")
)

// StageError 准备阶段失败
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// AgentExitError Agent 进程非零退出
type AgentExitError struct {
	ExitCode int
}

func (e *AgentExitError) Error() string {
	return fmt.Sprintf("agent exited with code %d", e.ExitCode)
}

// CollectError 产出收集失败
type CollectError struct {
	File string
	Err  error
}

func (e *CollectError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("collect outputs: %v", e.Err)
	}
	return fmt.Sprintf("collect output %s: %v", e.File, e.Err)
}

func (e *CollectError) Unwrap() error {
	return e.Err
}
