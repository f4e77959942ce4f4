package storage

import (
	"context"

	"permitflow/internal/shared/model"
)

// ============================================================================
// 持久化存储接口（由 repository.Store 实现）
// ============================================================================

// ProjectStore 项目存储接口
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	// UpdateProjectStatus 更新状态；errMsg 为 nil 时清空 error_message
	UpdateProjectStatus(ctx context.Context, id string, status model.ProjectStatus, errMsg *string) error
}

// FileStore 项目文件存储接口
type FileStore interface {
	CreateFile(ctx context.Context, f *model.ProjectFile) error
	ListFiles(ctx context.Context, projectID string) ([]*model.ProjectFile, error)
}

// OutputStore 产出存储接口
type OutputStore interface {
	// LatestOutputVersion 返回 (project, phase) 当前最大版本号，无记录时为 0
	LatestOutputVersion(ctx context.Context, projectID string, phase model.FlowPhase) (int, error)
	// CreateOutput 插入产出，版本冲突时返回 ErrDuplicate
	CreateOutput(ctx context.Context, o *model.Output) error
	GetLatestOutput(ctx context.Context, projectID string, phase model.FlowPhase) (*model.Output, error)
	ListOutputs(ctx context.Context, projectID string) ([]*model.Output, error)
}

// QuestionStore 承包商问题存储接口
type QuestionStore interface {
	// ReplaceUnansweredQuestions 在一个事务内删除未回答的问题并插入新问题
	ReplaceUnansweredQuestions(ctx context.Context, projectID string, qs []*model.Question) error
	ListQuestions(ctx context.Context, projectID string, answeredOnly bool) ([]*model.Question, error)
	AnswerQuestion(ctx context.Context, id, answer string) error
}

// MessageStore 运行日志存储接口
type MessageStore interface {
	AppendMessage(ctx context.Context, projectID string, role model.MessageRole, content string) error
	ListMessages(ctx context.Context, projectID string, afterID int64, limit int) ([]*model.ProjectMessage, error)
}

// PersistentStore 持久化存储聚合接口
type PersistentStore interface {
	ProjectStore
	FileStore
	OutputStore
	QuestionStore
	MessageStore

	Close() error
}
