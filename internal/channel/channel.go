// internal/channel/channel.go
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/models"
)

// 进度通道的统一策略常量
const (
	// KeepAliveInterval 客户端发送文本 ping 的间隔
	KeepAliveInterval = 30 * time.Second
	// HeartbeatInterval 服务端发送 heartbeat 事件的间隔
	HeartbeatInterval = 30 * time.Second
	// HighWaterMark 百分比达到该值后，异常关闭视为正常结束
	HighWaterMark = 90
	// MaxReconnects 一次断线最多重连次数
	MaxReconnects = 3
	// ReconnectBaseDelay 重连退避的初始延迟，之后每次翻倍
	ReconnectBaseDelay = time.Second
	// PollInterval 轮询间隔
	PollInterval = 2 * time.Second
	// SilenceThreshold 多久没有真实进度后开始估算
	SilenceThreshold = 60 * time.Second
)

// Handler 事件回调
type Handler func(models.ProgressEvent)

// Channel 与传输无关的进度事件通道
type Channel interface {
	// Send 向服务端发送控制事件（目前只有 cancel）
	Send(ctx context.Context, event models.ProgressEvent) error
	// OnEvent 注册事件回调，回调按事件顺序串行调用
	OnEvent(handler Handler)
	// Close 停止所有定时器并释放连接
	Close() error
}

// CancelEvent 构造取消请求
func CancelEvent(taskID string) models.ProgressEvent {
	return models.ProgressEvent{Type: models.EventCancel, TaskID: taskID}
}

// observer 两种绑定共享的客户端状态：分发回调、去重终止事件、记录百分比
type observer struct {
	taskID string

	mu          sync.Mutex
	handlers    []Handler
	percentage  int
	completed   int
	total       int
	structured  bool
	terminal    bool
	final       models.ProgressEvent
	interpreter *LogInterpreter

	deliverMu sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
}

func newObserver(taskID string) *observer {
	return &observer{
		taskID:      taskID,
		total:       len(models.FieldSlots),
		interpreter: NewLogInterpreter(),
		done:        make(chan struct{}),
	}
}

func (o *observer) onEvent(handler Handler) {
	if handler == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, handler)
}

// deliver 更新状态并调用回调；终止之后的事件全部丢弃
func (o *observer) deliver(event models.ProgressEvent) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	batch, handlers, ok := o.accept(event)
	if !ok {
		return
	}
	for _, e := range batch {
		for _, h := range handlers {
			h(e)
		}
	}
	if batch[len(batch)-1].IsTerminal() {
		o.finish()
	}
}

func (o *observer) accept(event models.ProgressEvent) ([]models.ProgressEvent, []Handler, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.terminal {
		return nil, nil, false
	}
	if event.TaskID == "" {
		event.TaskID = o.taskID
	}
	batch := []models.ProgressEvent{event}

	switch event.Type {
	case models.EventProgress:
		o.structured = true
		o.observe(event)
	case models.EventEstimate:
		if event.Percentage <= o.percentage {
			return nil, nil, false
		}
	case models.EventLog:
		// 只有还没收到结构化进度时才解析日志
		if !o.structured {
			if derived, ok := o.interpreter.Feed(event.Message); ok {
				derived.TaskID = o.taskID
				o.observe(derived)
				batch = append(batch, derived)
			}
		}
	case models.EventCompleted:
		if event.TotalCount > 0 {
			o.total = event.TotalCount
		}
		o.percentage = 100
		o.completed = o.total
		o.terminal = true
		// 服务端的 completed 只带类型，补齐最终进度
		event.Percentage = 100
		event.CompletedCount = o.total
		event.TotalCount = o.total
		batch[0] = event
	case models.EventError, models.EventCancelled:
		o.terminal = true
	}
	if o.terminal {
		o.final = batch[len(batch)-1]
	}
	return batch, append([]Handler(nil), o.handlers...), true
}

// observe 百分比只增不减
func (o *observer) observe(event models.ProgressEvent) {
	if event.Percentage > o.percentage {
		o.percentage = event.Percentage
	}
	if event.CompletedCount > o.completed {
		o.completed = event.CompletedCount
	}
	if event.TotalCount > 0 {
		o.total = event.TotalCount
	}
}

// markStructured 通道能提供结构化状态时，不再解析日志
func (o *observer) markStructured() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.structured = true
}

func (o *observer) finish() {
	o.doneOnce.Do(func() { close(o.done) })
}

func (o *observer) snapshot() (percentage, completed, total int, terminal bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.percentage, o.completed, o.total, o.terminal
}

func (o *observer) isTerminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminal
}

// Result 终止事件，未结束时 ok 为 false
func (o *observer) result() (models.ProgressEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.final, o.terminal
}

// wait 等待终止事件或通道关闭
func wait(ctx context.Context, done <-chan struct{}, closed <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
