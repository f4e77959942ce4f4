package api

import (
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"permitflow/internal/extract"
	"permitflow/internal/shared/eventbus"
	"permitflow/internal/shared/queue"
	"permitflow/internal/shared/storage"
	"permitflow/pkg/logging"
)

// Deps Handler 依赖
type Deps struct {
	Queue     queue.RunQueue
	Messages  storage.MessageStore
	Bus       eventbus.MessageBus // 可选，为空时 WebSocket 退化为轮询
	Extractor extract.Extractor   // 可选，为空时 /extract 直接跳过
	Contract  *RequestValidator   // 可选，为空时不做契约校验
	Metrics   *Metrics
	Gatherer  prometheus.Gatherer // /metrics 的数据源，为空时使用默认注册表
	Log       *logging.Logger     // 可选，设置后记录每个请求
}

// Handler API 处理器
//
// HTTP 层只做校验与入队，流水线由 Worker 消费执行。
type Handler struct {
	queue     queue.RunQueue
	extractor extract.Extractor
	validate  *validator.Validate
	contract  *RequestValidator
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	gateway   *MessageGateway
	log       *logging.Logger

	// background 跟踪 /extract 启动的后台任务
	background sync.WaitGroup
	now        func() time.Time
}

// NewHandler 创建 Handler 实例
func NewHandler(d Deps) *Handler {
	if d.Extractor == nil {
		d.Extractor = extract.Noop{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil, "permitflow")
	}
	return &Handler{
		queue:     d.Queue,
		extractor: d.Extractor,
		validate:  newValidator(),
		contract:  d.Contract,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		gateway:   NewMessageGateway(d.Messages, d.Bus, d.Metrics),
		log:       d.Log,
		now:       time.Now,
	}
}

// Router 返回配置好的 HTTP 路由
//
//   - GET  /health                      健康检查
//   - GET  /metrics                     Prometheus 指标
//   - POST /generate                    触发一次运行（入队后立即返回）
//   - POST /extract                     后台执行 PDF 预提取
//   - GET  /ws/projects/{id}/messages   运行日志实时推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler(h.gatherer))

	mux.HandleFunc("POST /generate", h.Generate)
	mux.HandleFunc("POST /extract", h.Extract)

	mux.HandleFunc("GET /ws/projects/{id}/messages", h.gateway.HandleWebSocket)

	var handler http.Handler = mux
	if h.contract != nil {
		handler = h.contract.Middleware(handler)
	}
	handler = h.metrics.Middleware(handler)
	if h.log != nil {
		handler = h.requestLog(handler)
	}
	return handler
}

// requestLog 访问日志（/health 与 /metrics 不记录）
func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		h.log.HTTPRequestLog(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}

// Health 健康检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// Wait 等待后台任务结束（优雅退出与测试使用）
func (h *Handler) Wait() {
	h.background.Wait()
}

// newValidator 错误信息中使用 JSON 字段名
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
