// Package api 提供触发与观察运行的 HTTP 接口
//
// 文件组织：
//   - handler.go: Handler 定义与路由
//   - common.go: 响应写入与错误格式
//   - openapi.go: 基于内嵌 OpenAPI 契约的请求校验中间件
//   - generate.go: /generate 与 /extract
//   - websocket.go: 项目运行日志的 WebSocket 推送
//   - metrics.go: HTTP 指标
package api

import (
	"encoding/json"
	"net/http"

	"github.com/moogar0880/problems"
)

const problemMediaType = "application/problem+json"

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeProblem 以 RFC 7807 格式写入错误
//
// problemType 为机器可读的错误类别，例如 validation_error。
func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(problemType).
		WithDetail(detail)

	w.Header().Set("Content-Type", problemMediaType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problem)
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "validation_error", detail)
}

func unavailable(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusServiceUnavailable, "unavailable", detail)
}
