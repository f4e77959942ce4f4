// Package api 内嵌的 OpenAPI 契约
//
// HTTP 层在启动时加载该契约并据此校验请求。
package api

import "embed"

//go:embed openapi/*.yaml
var OpenAPIFS embed.FS

// SpecFile 契约文件在 OpenAPIFS 中的路径
const SpecFile = "openapi/permitflow.yaml"
