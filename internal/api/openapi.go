package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"

	apispec "permitflow/api"
)

// RequestValidator 按 OpenAPI 契约校验请求
//
// 契约未声明的路径（如 /metrics）直接放行。
type RequestValidator struct {
	router routers.Router
}

// LoadContract 加载内嵌的 OpenAPI 契约并构建路由
func LoadContract() (*RequestValidator, error) {
	data, err := apispec.OpenAPIFS.ReadFile(apispec.SpecFile)
	if err != nil {
		return nil, fmt.Errorf("read openapi contract: %w", err)
	}
	return NewRequestValidator(data)
}

// NewRequestValidator 从 YAML/JSON 契约创建校验器
func NewRequestValidator(data []byte) (*RequestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi contract: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi contract: %w", err)
	}
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &RequestValidator{router: router}, nil
}

// Middleware 校验失败返回 400 problem
func (v *RequestValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, params, err := v.router.FindRoute(r)
		if err != nil {
			if isUndeclaredRoute(err) {
				next.ServeHTTP(w, r)
				return
			}
			badRequest(w, r, err.Error())
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options:    &openapi3filter.Options{MultiError: false},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			badRequest(w, r, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isUndeclaredRoute 契约未声明的路径或方法（/metrics 等）直接放行
//
// legacy router 每次构造新的 RouteError，只能按 Reason 比较
func isUndeclaredRoute(err error) bool {
	var re *routers.RouteError
	if !errors.As(err, &re) {
		return false
	}
	return re.Reason == routers.ErrPathNotFound.Error() || re.Reason == routers.ErrMethodNotAllowed.Error()
}
