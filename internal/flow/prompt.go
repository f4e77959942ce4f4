package flow

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"permitflow/internal/shared/model"
)

//go:embed prompts/*.tmpl prompts/*.txt
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

// 沙箱内默认路径
const (
	DefaultFilesPath  = "/sandbox/project-files"
	DefaultOutputPath = "/sandbox/project-files/output"
)

// Params 提示词参数
type Params struct {
	Flow    model.FlowType
	City    string
	Address string
	// Answers 承包商回答的 JSON 文本（仅 corrections-response）
	Answers string
	// PreExtracted 页面 PNG 与标题栏已预先提取
	PreExtracted bool
	// ManifestPreloaded sheet-manifest.json 已写入输出目录，Agent 无需重建
	ManifestPreloaded bool

	FilesPath  string
	OutputPath string
}

type promptData struct {
	Params
	CitySkill string
	Required  []string
}

// BuildPrompt 生成流程提示词（确定性）
func BuildPrompt(p Params) string {
	if p.FilesPath == "" {
		p.FilesPath = DefaultFilesPath
	}
	if p.OutputPath == "" {
		p.OutputPath = DefaultOutputPath
	}
	p.FilesPath = strings.TrimSuffix(p.FilesPath, "/")
	p.OutputPath = strings.TrimSuffix(p.OutputPath, "/")
	if p.City == "" {
		p.City = "Unknown"
	}

	flowType := p.Flow
	if !flowType.Valid() {
		flowType = model.FlowCorrectionsResponse
	}

	data := promptData{
		Params:    p,
		CitySkill: CitySkill(p.City),
		Required:  RequiredOutputs(flowType),
	}

	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, string(flowType)+".tmpl", data); err != nil {
		panic(fmt.Sprintf("prompt template %s: %v", flowType, err))
	}
	return buf.String()
}

// SystemAppend 追加到 Agent 系统提示词的流程说明
func SystemAppend(flowType model.FlowType) string {
	if !flowType.Valid() {
		flowType = model.FlowCorrectionsResponse
	}
	data, err := promptFS.ReadFile("prompts/system-" + string(flowType) + ".txt")
	if err != nil {
		panic(fmt.Sprintf("system append %s: %v", flowType, err))
	}
	return strings.TrimSpace(string(data))
}
