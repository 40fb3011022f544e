// internal/services/progress_service.go
package services

import (
	"sync"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
)

// 每个任务保留的事件与日志上限
const (
	maxStreamEvents = 1000
	maxStreamLogs   = 500
	subscriberBuf   = 128
)

// ProgressStream 单个任务的事件流：历史记录 + 订阅者
type ProgressStream struct {
	TaskID     string
	StartTime  time.Time
	UpdateTime time.Time

	events      []models.ProgressEvent
	seq         int // 已发布的事件数，事件序号从 1 开始
	logs        []string
	logBase     int // 被裁掉的日志条数，保证游标单调
	subscribers map[chan models.ProgressEvent]struct{}
	done        chan struct{}
	finished    bool
	mutex       sync.Mutex
}

// ProgressService 管理所有任务的事件流
type ProgressService struct {
	streams map[string]*ProgressStream
	mutex   sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		streams: make(map[string]*ProgressStream),
	}
}

// Open 为任务创建事件流，已存在时直接返回
func (s *ProgressService) Open(taskID string) *ProgressStream {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if stream, exists := s.streams[taskID]; exists {
		return stream
	}

	now := time.Now()
	stream := &ProgressStream{
		TaskID:      taskID,
		StartTime:   now,
		UpdateTime:  now,
		subscribers: make(map[chan models.ProgressEvent]struct{}),
		done:        make(chan struct{}),
	}
	s.streams[taskID] = stream
	return stream
}

// Stream 获取任务的事件流
func (s *ProgressService) Stream(taskID string) (*ProgressStream, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	stream, exists := s.streams[taskID]
	return stream, exists
}

// Publish 追加事件并通知订阅者；终止事件之后的发布被忽略
func (s *ProgressService) Publish(taskID string, event models.ProgressEvent) bool {
	stream, exists := s.Stream(taskID)
	if !exists {
		return false
	}
	return stream.publish(event)
}

// Subscribe 订阅任务事件，先返回序号大于 since 的历史事件用于重放
func (s *ProgressService) Subscribe(taskID string, since int) (<-chan models.ProgressEvent, []models.ProgressEvent, func(), error) {
	stream, exists := s.Stream(taskID)
	if !exists {
		return nil, nil, nil, apperrors.NewNotFoundError("任务不存在: "+taskID, nil)
	}
	ch, replay, cancel := stream.subscribe(since)
	return ch, replay, cancel, nil
}

// LogsSince 返回游标之后的日志行与新的游标
func (s *ProgressService) LogsSince(taskID string, cursor int) ([]string, int) {
	stream, exists := s.Stream(taskID)
	if !exists {
		return []string{}, cursor
	}
	return stream.logsSince(cursor)
}

// Remove 关闭并移除事件流
func (s *ProgressService) Remove(taskID string) {
	s.mutex.Lock()
	stream, exists := s.streams[taskID]
	delete(s.streams, taskID)
	s.mutex.Unlock()

	if exists {
		stream.closeAll()
	}
}

// CleanupCompletedTasks 清理已结束且超过 maxAge 未更新的事件流
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	var stale []*ProgressStream
	now := time.Now()
	for id, stream := range s.streams {
		stream.mutex.Lock()
		old := stream.finished && now.Sub(stream.UpdateTime) > maxAge
		stream.mutex.Unlock()
		if old {
			stale = append(stale, stream)
			delete(s.streams, id)
		}
	}
	s.mutex.Unlock()

	for _, stream := range stale {
		stream.closeAll()
	}
	return len(stale)
}

// Close 关闭全部事件流
func (s *ProgressService) Close() error {
	s.mutex.Lock()
	streams := s.streams
	s.streams = make(map[string]*ProgressStream)
	s.mutex.Unlock()

	for _, stream := range streams {
		stream.closeAll()
	}
	return nil
}

func (t *ProgressStream) publish(event models.ProgressEvent) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.finished {
		return false
	}
	if event.TaskID == "" {
		event.TaskID = t.TaskID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	t.UpdateTime = event.Timestamp
	t.seq++
	event.Seq = t.seq

	t.events = append(t.events, event)
	if len(t.events) > maxStreamEvents {
		// 日志事件可以丢，进度与终止事件保留
		t.events = compactEvents(t.events, maxStreamEvents)
	}
	// 错误消息只通过终止状态送达
	if event.Type == models.EventLog {
		t.logs = append(t.logs, event.Message)
		if over := len(t.logs) - maxStreamLogs; over > 0 {
			t.logs = append([]string(nil), t.logs[over:]...)
			t.logBase += over
		}
	}

	for subscriber := range t.subscribers {
		select {
		case subscriber <- event:
		default:
			// 订阅者跟不上时断开，由客户端重连后重放
			delete(t.subscribers, subscriber)
			close(subscriber)
		}
	}

	if event.IsTerminal() {
		t.finished = true
		for subscriber := range t.subscribers {
			close(subscriber)
		}
		t.subscribers = make(map[chan models.ProgressEvent]struct{})
		close(t.done)
	}
	return true
}

func compactEvents(events []models.ProgressEvent, limit int) []models.ProgressEvent {
	out := make([]models.ProgressEvent, 0, limit)
	drop := len(events) - limit
	for _, event := range events {
		if drop > 0 && event.Type == models.EventLog {
			drop--
			continue
		}
		out = append(out, event)
	}
	return out
}

func (t *ProgressStream) subscribe(since int) (<-chan models.ProgressEvent, []models.ProgressEvent, func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	replay := make([]models.ProgressEvent, 0, len(t.events))
	for _, event := range t.events {
		if event.Seq > since {
			replay = append(replay, event)
		}
	}
	// 游标越过终止事件时仍补发终止事件
	if n := len(t.events); len(replay) == 0 && n > 0 && t.events[n-1].IsTerminal() {
		replay = append(replay, t.events[n-1])
	}
	subscriber := make(chan models.ProgressEvent, subscriberBuf)
	if t.finished {
		close(subscriber)
		return subscriber, replay, func() {}
	}
	t.subscribers[subscriber] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mutex.Lock()
			defer t.mutex.Unlock()
			if _, ok := t.subscribers[subscriber]; ok {
				delete(t.subscribers, subscriber)
				close(subscriber)
			}
		})
	}
	return subscriber, replay, cancel
}

func (t *ProgressStream) logsSince(cursor int) ([]string, int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	end := t.logBase + len(t.logs)
	if cursor < t.logBase {
		cursor = t.logBase
	}
	if cursor >= end {
		return []string{}, end
	}
	return append([]string(nil), t.logs[cursor-t.logBase:]...), end
}

// Done 任务结束时关闭
func (t *ProgressStream) Done() <-chan struct{} {
	return t.done
}

// Finished 是否已发布终止事件
func (t *ProgressStream) Finished() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.finished
}

func (t *ProgressStream) closeAll() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for subscriber := range t.subscribers {
		close(subscriber)
	}
	t.subscribers = make(map[chan models.ProgressEvent]struct{})
	if !t.finished {
		t.finished = true
		close(t.done)
	}
}
