package model

import "time"

// Project 项目记录
//
// 一个项目对应一次许可审查业务，status 字段即流水线的运行状态。
// 同一项目同一时刻只假定存在一个非终态运行（不加锁）。
type Project struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	FlowType       FlowType      `json:"flow_type"`
	ProjectName    string        `json:"project_name"`
	ProjectAddress *string       `json:"project_address,omitempty"`
	City           *string       `json:"city,omitempty"`
	Status         ProjectStatus `json:"status"`
	ErrorMessage   *string       `json:"error_message,omitempty"`
	IsDemo         bool          `json:"is_demo"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CityOrDefault 返回城市名，为空时返回 "Unknown"
func (p *Project) CityOrDefault() string {
	if p.City == nil || *p.City == "" {
		return "Unknown"
	}
	return *p.City
}

// Address 返回项目地址（可能为空字符串）
func (p *Project) Address() string {
	if p.ProjectAddress == nil {
		return ""
	}
	return *p.ProjectAddress
}

// FileType 项目文件类型
type FileType string

const (
	FilePlanBinder        FileType = "plan-binder"
	FileCorrectionsLetter FileType = "corrections-letter"
	FileOther             FileType = "other"
)

// ProjectFile 项目输入文件（存放在对象存储中）
type ProjectFile struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	FileType    FileType  `json:"file_type"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"storage_path"`
	MimeType    *string   `json:"mime_type,omitempty"`
	SizeBytes   *int64    `json:"size_bytes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
