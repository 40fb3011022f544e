// internal/channel/logparse.go
package channel

import (
	"regexp"
	"strings"

	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/progress"
)

// 服务端日志行格式，结构化进度缺失时用于推断字段状态
var (
	startPattern    = regexp.MustCompile(`开始翻译(.*?)\.\.\.$`)
	skipPattern     = regexp.MustCompile(`字段 (.*?) 不存在或为空，跳过翻译`)
	donePattern     = regexp.MustCompile(`^(.+?)翻译完成$`)
	httpDonePattern = regexp.MustCompile(`^HTTP Request: POST \S+ "HTTP/\d(?:\.\d)? 200 OK"$`)
)

// LogSignal 从一行日志推断出的字段状态
type LogSignal struct {
	Field  string
	Status models.FieldStatus
}

// ParseLogLine 识别开始、跳过、完成三类日志
// HTTP 200 行没有字段名，Field 为空，表示当前进行中的字段已完成
func ParseLogLine(line string) (LogSignal, bool) {
	line = strings.TrimSpace(line)
	if m := skipPattern.FindStringSubmatch(line); m != nil {
		return LogSignal{Field: resolveField(m[1]), Status: models.FieldSkipped}, true
	}
	if m := startPattern.FindStringSubmatch(line); m != nil {
		return LogSignal{Field: resolveField(m[1]), Status: models.FieldInProgress}, true
	}
	if httpDonePattern.MatchString(line) {
		return LogSignal{Status: models.FieldCompleted}, true
	}
	if m := donePattern.FindStringSubmatch(line); m != nil {
		if field, ok := models.FieldForDisplayName(m[1]); ok {
			return LogSignal{Field: field, Status: models.FieldCompleted}, true
		}
	}
	return LogSignal{}, false
}

// resolveField 日志中可能是显示名也可能是字段键
func resolveField(name string) string {
	name = strings.TrimSpace(name)
	if field, ok := models.FieldForDisplayName(name); ok {
		return field
	}
	return name
}

// LogInterpreter 用日志行驱动一个本地跟踪器，生成与服务端同形的进度事件
type LogInterpreter struct {
	tracker *progress.Tracker
	current string
}

// NewLogInterpreter 创建日志解析器
func NewLogInterpreter() *LogInterpreter {
	return &LogInterpreter{tracker: progress.NewTracker(nil)}
}

// Feed 解析一行日志；能推出状态转换时返回对应的进度事件
func (li *LogInterpreter) Feed(line string) (models.ProgressEvent, bool) {
	signal, ok := ParseLogLine(line)
	if !ok {
		return models.ProgressEvent{}, false
	}

	field := signal.Field
	if field == "" {
		// 问候语会发出多个请求，只认显式的完成行
		if li.current == models.FieldAlternateGreetings {
			return models.ProgressEvent{}, false
		}
		field = li.current
	}
	if field == "" {
		return models.ProgressEvent{}, false
	}

	var (
		snap       progress.Snapshot
		applied    bool
		wireStatus string
	)
	switch signal.Status {
	case models.FieldInProgress:
		snap, applied = li.tracker.Start(field)
		wireStatus = models.WireStatusStarting
		if applied {
			li.current = field
		}
	case models.FieldSkipped:
		snap, applied = li.tracker.Skip(field)
		wireStatus = models.WireStatusSkipped
	case models.FieldCompleted:
		snap, applied = li.tracker.Complete(field)
		wireStatus = models.WireStatusCompleted
		if applied && li.current == field {
			li.current = ""
		}
	}
	if !applied {
		return models.ProgressEvent{}, false
	}

	return models.ProgressEvent{
		Type:           models.EventProgress,
		CurrentField:   field,
		FieldStatus:    wireStatus,
		CompletedCount: snap.CompletedCount,
		TotalCount:     snap.TotalCount,
		Percentage:     snap.Percentage,
	}, true
}

// Percentage 本地推算的百分比
func (li *LogInterpreter) Percentage() int {
	return li.tracker.Percentage()
}
