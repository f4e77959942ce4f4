package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"permitflow/internal/config"
	"permitflow/internal/sandbox"
)

// provision 创建执行环境，授予租期不足时补齐
func (o *Orchestrator) provision(ctx context.Context, projectID string) (sandbox.Environment, error) {
	sc := o.opts.Sandbox
	spec := sandbox.Spec{
		Image:    sc.Image,
		VCPUs:    sc.VCPUs,
		MemoryMB: sc.MemoryMB,
		Timeout:  sc.Timeout,
		Labels:   map[string]string{sandbox.LabelProjectID: projectID},
		Env:      sc.Env,
		User:     sc.User,
		WorkDir:  sc.WorkDir,
		Network:  sc.Network,
	}

	o.log.Info("creating sandbox", "image", spec.Image, "vcpus", spec.VCPUs, "timeout", spec.Timeout.String())
	env, err := o.provider.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	if granted := env.Timeout(); granted < spec.Timeout {
		o.log.Info("extending sandbox lease", "granted", granted.String(), "requested", spec.Timeout.String())
		if err := env.ExtendTimeout(ctx, spec.Timeout-granted); err != nil {
			stopEnv(env, o.log)
			return nil, stageErr(StageProvision, err)
		}
	}
	return env, nil
}

// InstallDependencies 顺序执行安装步骤，任一步非零退出即失败
func InstallDependencies(ctx context.Context, env sandbox.Environment, steps []config.InstallStep) error {
	for i, step := range steps {
		cmd := sandbox.Command{Cmd: step.Cmd, Args: step.Args, Sudo: step.Sudo}
		res, err := env.Run(ctx, cmd)
		if err != nil {
			return stageErr(StageInstall, fmt.Errorf("step %d (%s): %w", i+1, cmd.String(), err))
		}
		if !res.OK() {
			return stageErr(StageInstall, fmt.Errorf("step %d (%s) exited with %d: %s",
				i+1, cmd.String(), res.ExitCode, lastLine(res.Stderr)))
		}
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
