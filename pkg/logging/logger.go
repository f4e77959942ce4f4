// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	ProjectIDKey ContextKey = "project_id"
	RunIDKey     ContextKey = "run_id"
	FlowKey      ContextKey = "flow"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, discard, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "discard":
		output = io.Discard
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Nop 丢弃所有输出的日志器（测试用）
func Nop() *Logger {
	return New(Config{Output: "discard"})
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		component: l.component,
	}
}

// WithContext 从上下文提取运行标识和追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()))
	}
	if projectID, ok := ctx.Value(ProjectIDKey).(string); ok && projectID != "" {
		attrs = append(attrs, slog.String("project_id", projectID))
	}
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, slog.String("run_id", runID))
	}
	if flow, ok := ctx.Value(FlowKey).(string); ok && flow != "" {
		attrs = append(attrs, slog.String("flow", flow))
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// ContextWithRun 将运行标识写入上下文
func ContextWithRun(ctx context.Context, projectID, runID, flow string) context.Context {
	ctx = context.WithValue(ctx, ProjectIDKey, projectID)
	ctx = context.WithValue(ctx, RunIDKey, runID)
	return context.WithValue(ctx, FlowKey, flow)
}

// WithProjectID 添加 Project ID
func (l *Logger) WithProjectID(projectID string) *Logger {
	return l.with(slog.String("project_id", projectID))
}

// WithRunID 添加 Run ID
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(slog.String("run_id", runID))
}

// WithFlow 添加流程类型
func (l *Logger) WithFlow(flow string) *Logger {
	return l.with(slog.String("flow", flow))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

// StageLog 流水线阶段日志
func (l *Logger) StageLog(stage string, duration time.Duration, err error, extra ...any) {
	attrs := []any{
		slog.String("stage", stage),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	attrs = append(attrs, extra...)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("Stage failed", attrs...)
		return
	}
	l.Logger.Info("Stage completed", attrs...)
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}
