// internal/progress/tracker.go
package progress

import (
	"math"
	"sync"

	"github.com/Corphon/CharaCardTranslator/internal/models"
)

// 百分比公式的可调常量
const (
	// CompletedShare 全部字段完成前，已完成字段最多占用的百分比
	CompletedShare = 85.0
	// InProgressCreditCap 进行中字段的附加进度上限
	InProgressCreditCap = 14.0
	// RunningCap 未全部终止之前的最高百分比
	RunningCap = 99
)

// Percentage 根据已完成数、进行中数计算百分比
// 全部槽位终止时恰好为 100，否则不超过 99
func Percentage(completed, inProgress, total int) int {
	if total <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}

	completedWeight := float64(completed) * (CompletedShare / float64(total))
	value := completedWeight
	if inProgress > 0 {
		value += math.Min(InProgressCreditCap, math.Log10(completedWeight+10)*20)
	}
	return int(math.Min(RunningCap, math.Round(value)))
}

// NextFloor 下一次权威更新至少会达到的百分比
// 客户端的合成估算不得超过这个值
func NextFloor(current, completed, total int) int {
	if total <= 0 {
		return current
	}
	floor := int(math.Round(float64(completed+1) * (CompletedShare / float64(total))))
	if floor < current {
		floor = current
	}
	if floor > RunningCap {
		floor = RunningCap
	}
	return floor
}

// Snapshot 跟踪器的只读快照
type Snapshot struct {
	States         map[string]models.FieldStatus
	CurrentField   string
	CompletedCount int
	InProgress     int
	TotalCount     int
	Percentage     int
	Frozen         bool
}

// Tracker 字段级状态机与百分比计算器
// 百分比单调不减，失败后冻结
type Tracker struct {
	mu         sync.Mutex
	order      []string
	states     map[string]models.FieldStatus
	current    string
	percentage int
	frozen     bool
}

// NewTracker 为给定字段槽位创建跟踪器，nil 时使用默认的 7 个槽位
func NewTracker(slots []string) *Tracker {
	if len(slots) == 0 {
		slots = models.FieldSlots
	}
	t := &Tracker{
		order:  append([]string(nil), slots...),
		states: make(map[string]models.FieldStatus, len(slots)),
	}
	for _, slot := range slots {
		t.states[slot] = models.FieldPending
	}
	return t
}

// Start 将字段标记为进行中；返回 false 表示转换被忽略
func (t *Tracker) Start(field string) (Snapshot, bool) {
	return t.transition(field, models.FieldInProgress)
}

// Complete 将字段标记为完成
func (t *Tracker) Complete(field string) (Snapshot, bool) {
	return t.transition(field, models.FieldCompleted)
}

// Skip 将字段标记为跳过
func (t *Tracker) Skip(field string) (Snapshot, bool) {
	return t.transition(field, models.FieldSkipped)
}

// Fail 将字段标记为失败并冻结百分比
func (t *Tracker) Fail(field string) (Snapshot, bool) {
	snap, ok := t.transition(field, models.FieldFailed)
	t.Freeze()
	snap.Frozen = true
	return snap, ok
}

// Freeze 冻结百分比，之后的转换不再推进进度
func (t *Tracker) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// transition 只允许 pending→in_progress→终止 或 pending→终止
func (t *Tracker) transition(field string, next models.FieldStatus) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.states[field]
	if !known || t.frozen || prev.IsTerminal() {
		return t.snapshotLocked(), false
	}
	if next == models.FieldInProgress && prev != models.FieldPending {
		return t.snapshotLocked(), false
	}

	t.states[field] = next
	if next == models.FieldInProgress {
		t.current = field
	} else if t.current == field {
		t.current = ""
	}
	t.recalculateLocked()
	return t.snapshotLocked(), true
}

func (t *Tracker) recalculateLocked() {
	completed, inProgress := t.countsLocked()
	value := Percentage(completed, inProgress, len(t.order))
	if value > t.percentage {
		t.percentage = value
	}
}

// countsLocked 已完成数包含 completed 与 skipped
func (t *Tracker) countsLocked() (int, int) {
	completed, inProgress := 0, 0
	for _, slot := range t.order {
		switch t.states[slot] {
		case models.FieldCompleted, models.FieldSkipped:
			completed++
		case models.FieldInProgress:
			inProgress++
		}
	}
	return completed, inProgress
}

func (t *Tracker) snapshotLocked() Snapshot {
	completed, inProgress := t.countsLocked()
	states := make(map[string]models.FieldStatus, len(t.states))
	for k, v := range t.states {
		states[k] = v
	}
	return Snapshot{
		States:         states,
		CurrentField:   t.current,
		CompletedCount: completed,
		InProgress:     inProgress,
		TotalCount:     len(t.order),
		Percentage:     t.percentage,
		Frozen:         t.frozen,
	}
}

// Snapshot 返回当前快照
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Percentage 返回当前百分比
func (t *Tracker) Percentage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentage
}

// Status 返回字段状态
func (t *Tracker) Status(field string) models.FieldStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[field]
}

// AllTerminal 是否所有槽位都已终止
func (t *Tracker) AllTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, slot := range t.order {
		if !t.states[slot].IsTerminal() {
			return false
		}
	}
	return true
}

// Slots 返回槽位顺序
func (t *Tracker) Slots() []string {
	return append([]string(nil), t.order...)
}

// Observe 把外部得到的权威百分比并入（只增不减），用于客户端镜像
func (t *Tracker) Observe(percentage int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.frozen && percentage > t.percentage {
		t.percentage = percentage
	}
	return t.percentage
}
