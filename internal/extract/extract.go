// Package extract 计划 PDF 预提取
//
// 提取服务把项目的第一个 PDF 转为逐页 PNG 与标题栏裁剪图，打包上传后
// 登记为项目文件（pages-png.tar.gz / title-blocks.tar.gz）。编排器在运行前
// 同步调用；失败不影响运行，Agent 会在环境内自行处理。
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"permitflow/internal/config"
)

// ArchiveName 页面归档文件名，存在即视为已提取
const ArchiveName = "pages-png.tar.gz"

// Request 提取请求
type Request struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id,omitempty"`
}

// Result 提取结果
type Result struct {
	Pages       int  `json:"pages"`
	TitleBlocks int  `json:"title_blocks"`
	Skipped     bool `json:"skipped"`
}

// Extractor 提取器接口
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// Noop 不做任何提取（未配置提取服务时使用）
type Noop struct{}

func (Noop) Extract(context.Context, Request) (*Result, error) {
	return &Result{Skipped: true}, nil
}

// HTTPExtractor 调用外部提取服务（POST JSON，同步等待结果）
type HTTPExtractor struct {
	endpoint string
	client   *http.Client
}

// NewHTTP 创建 HTTP 提取器，timeout <= 0 时使用 5 分钟
func NewHTTP(endpoint string, timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPExtractor{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// New 根据配置选择实现，未配置端点时返回 Noop
func New(cfg config.ExtractConfig) Extractor {
	if cfg.Endpoint == "" {
		return Noop{}
	}
	return NewHTTP(cfg.Endpoint, cfg.Timeout)
}

func (e *HTTPExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	if req.ProjectID == "" {
		return nil, errors.New("extract: project_id is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("extract: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("extract: service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("extract: decode response: %w", err)
	}
	return &res, nil
}
