package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"permitflow/internal/extract"
	"permitflow/internal/shared/model"
	"permitflow/internal/shared/queue"
)

// GenerateRequest 触发运行请求
type GenerateRequest struct {
	ProjectID string         `json:"project_id" validate:"required,uuid"`
	UserID    string         `json:"user_id" validate:"required,uuid"`
	FlowType  model.FlowType `json:"flow_type" validate:"required,oneof=city-review corrections-analysis corrections-response"`
}

// ExtractRequest 预提取请求
type ExtractRequest struct {
	ProjectID string `json:"project_id" validate:"required,uuid"`
	UserID    string `json:"user_id" validate:"omitempty,uuid"`
}

// Generate 触发一次运行
//
// 路由: POST /generate
//
// 请求通过校验后入队并立即返回 {"status":"processing"}，
// 运行结果只通过项目状态和运行日志体现。
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}

	msgID, err := h.queue.EnqueueRun(r.Context(), &queue.RunMessage{
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		FlowType:  string(req.FlowType),
	})
	if err != nil {
		h.metrics.EnqueueErrors.Inc()
		log.Printf("[generate.enqueue_failed] project_id=%s flow_type=%s error=%v", req.ProjectID, req.FlowType, err)
		unavailable(w, r, "run queue unavailable")
		return
	}

	h.metrics.RunsEnqueued.WithLabelValues(string(req.FlowType)).Inc()
	log.Printf("[generate.accepted] project_id=%s flow_type=%s msg_id=%s", req.ProjectID, req.FlowType, msgID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "processing",
		"project_id": req.ProjectID,
	})
}

// Extract 后台执行 PDF 预提取
//
// 路由: POST /extract
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		res, err := h.extractor.Extract(context.Background(), extract.Request{ProjectID: req.ProjectID, UserID: req.UserID})
		if err != nil {
			log.Printf("[extract.failed] project_id=%s error=%v", req.ProjectID, err)
			return
		}
		log.Printf("[extract.done] project_id=%s pages=%d title_blocks=%d skipped=%t",
			req.ProjectID, res.Pages, res.TitleBlocks, res.Skipped)
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "extracting",
		"project_id": req.ProjectID,
	})
}

// decode 解析并校验 JSON 请求体，失败时写入 400 problem
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		badRequest(w, r, describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: must satisfy %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
