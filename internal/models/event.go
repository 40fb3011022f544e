// internal/models/event.go
package models

import (
	"encoding/json"
	"time"
)

// EventType 进度事件类型
type EventType string

const (
	EventLog       EventType = "log"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
	EventHeartbeat EventType = "heartbeat"

	// EventEstimate 只在客户端本地产生，用于长时间静默时的进度估算，不上线
	EventEstimate EventType = "estimate"
	// EventCancel 客户端请求取消任务
	EventCancel EventType = "cancel"
)

// 线上字段状态
const (
	WireStatusStarting  = "starting"
	WireStatusCompleted = "completed"
	WireStatusSkipped   = "skipped"
)

// 纯文本控制帧，不在 JSON 信封内
const (
	PingFrame = "ping"
	PongFrame = "pong"
)

// ProgressEvent 进度通道上传递的事件
type ProgressEvent struct {
	Type           EventType `json:"type"`
	TaskID         string    `json:"task_id,omitempty"`
	Message        string    `json:"message,omitempty"`
	CurrentField   string    `json:"current_field,omitempty"`
	FieldStatus    string    `json:"field_status,omitempty"`
	CompletedCount int       `json:"completed_count"`
	TotalCount     int       `json:"total_count"`
	Percentage     int       `json:"progress_percentage"`

	// Seq 服务端事件流中的序号，重连时作为 since 游标
	Seq       int       `json:"seq,omitempty"`
	Timestamp time.Time `json:"-"`
}

// LogEvent 创建日志事件
func LogEvent(message string) ProgressEvent {
	return ProgressEvent{Type: EventLog, Message: message, Timestamp: time.Now()}
}

// ErrorEvent 创建错误事件
func ErrorEvent(message string) ProgressEvent {
	return ProgressEvent{Type: EventError, Message: message, Timestamp: time.Now()}
}

// IsTerminal 事件是否代表任务结束
func (e ProgressEvent) IsTerminal() bool {
	switch e.Type {
	case EventCompleted, EventError, EventCancelled:
		return true
	}
	return false
}

// MarshalJSON 按事件类型只输出相应字段
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	message := map[string]interface{}{"type": e.Type}
	if e.TaskID != "" {
		message["task_id"] = e.TaskID
	}
	if e.Seq > 0 {
		message["seq"] = e.Seq
	}

	switch e.Type {
	case EventLog, EventError:
		message["message"] = e.Message
	case EventProgress, EventEstimate:
		message["current_field"] = e.CurrentField
		message["field_status"] = e.FieldStatus
		message["completed_count"] = e.CompletedCount
		message["total_count"] = e.TotalCount
		message["progress_percentage"] = e.Percentage
	default:
		if e.Message != "" {
			message["message"] = e.Message
		}
	}

	return json.Marshal(message)
}

// UnmarshalJSON 实现 json.Unmarshaler
func (e *ProgressEvent) UnmarshalJSON(raw []byte) error {
	type wire ProgressEvent
	var decoded wire
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*e = ProgressEvent(decoded)
	e.Timestamp = time.Now()
	return nil
}
