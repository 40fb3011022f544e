// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 文件相关错误
	ErrorFileUploadFailed = "FILE_UPLOAD_FAILED"
	ErrorFileInvalid      = "FILE_INVALID"
	ErrorFileTooLarge     = "FILE_TOO_LARGE"

	// 角色卡相关错误
	ErrorCardInvalid = "CARD_INVALID"

	// 任务相关错误
	ErrorTaskNotFound = "TASK_NOT_FOUND"

	// 配置相关错误
	ErrorConfigSaveFailed = "CONFIG_SAVE_FAILED"
)
