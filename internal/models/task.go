// internal/models/task.go
package models

import "time"

// FieldStatus 单个字段槽位的状态
type FieldStatus string

const (
	FieldPending    FieldStatus = "pending"
	FieldInProgress FieldStatus = "in_progress"
	FieldCompleted  FieldStatus = "completed"
	FieldSkipped    FieldStatus = "skipped"
	FieldFailed     FieldStatus = "failed"
)

// IsTerminal 字段是否已到达终止状态
func (s FieldStatus) IsTerminal() bool {
	return s == FieldCompleted || s == FieldSkipped || s == FieldFailed
}

// TerminalStatus 任务的终止状态，空字符串表示仍在运行
type TerminalStatus string

const (
	TaskRunning   TerminalStatus = ""
	TaskSuccess   TerminalStatus = "success"
	TaskException TerminalStatus = "exception"
	TaskCancelled TerminalStatus = "cancelled"
)

// TaskParams 一次翻译使用的 LLM 参数
type TaskParams struct {
	ModelName string `json:"model_name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key,omitempty"`
}

// TranslationTask 翻译任务的对外视图
type TranslationTask struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id,omitempty"`
	FileID         string                 `json:"file_id"`
	SourceName     string                 `json:"source_name"`
	Params         TaskParams             `json:"params"`
	FieldStates    map[string]FieldStatus `json:"field_states"`
	CurrentField   string                 `json:"current_field,omitempty"`
	CompletedCount int                    `json:"completed_count"`
	TotalCount     int                    `json:"total_count"`
	Percentage     int                    `json:"progress_percentage"`
	TerminalStatus TerminalStatus         `json:"status"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// IsFinished 任务是否已结束
func (t *TranslationTask) IsFinished() bool {
	return t.TerminalStatus != TaskRunning
}

// TaskStatusView 轮询接口返回的任务状态
type TaskStatusView struct {
	TranslationTask
	Logs       []string `json:"logs"`
	NextCursor int      `json:"next_cursor"`
}

// HistoryRecord 持久化的任务历史
type HistoryRecord struct {
	TaskID         string         `json:"task_id"`
	SourceName     string         `json:"source_name"`
	CharacterName  string         `json:"character_name"`
	ModelName      string         `json:"model_name"`
	Status         TerminalStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	CompletedCount int            `json:"completed_count"`
	TotalCount     int            `json:"total_count"`
	CreatedAt      time.Time      `json:"created_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}
