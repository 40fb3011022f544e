package progress

import (
	"testing"

	"github.com/Corphon/CharaCardTranslator/internal/models"
)

func TestPercentageFormula(t *testing.T) {
	cases := []struct {
		completed, inProgress, want int
	}{
		{0, 0, 0},
		{0, 1, 14},
		{1, 0, 12},
		{1, 1, 26},
		{6, 0, 73},
		{6, 1, 87},
		{7, 0, 100},
	}
	for _, c := range cases {
		if got := Percentage(c.completed, c.inProgress, 7); got != c.want {
			t.Fatalf("Percentage(%d,%d,7) = %d, want %d", c.completed, c.inProgress, got, c.want)
		}
	}
}

func TestPercentageNeverHundredEarly(t *testing.T) {
	for completed := 0; completed < 7; completed++ {
		for inProgress := 0; inProgress <= 7-completed; inProgress++ {
			if got := Percentage(completed, inProgress, 7); got >= 100 {
				t.Fatalf("未全部完成时不应到达 100: completed=%d inProgress=%d got=%d", completed, inProgress, got)
			}
		}
	}
}

func TestTrackerMonotonicThroughPipeline(t *testing.T) {
	tracker := NewTracker(nil)
	last := 0
	check := func(snap Snapshot) {
		t.Helper()
		if snap.Percentage < last {
			t.Fatalf("百分比倒退: %d -> %d", last, snap.Percentage)
		}
		last = snap.Percentage
	}

	for i, field := range models.FieldSlots {
		if i%3 == 1 {
			snap, ok := tracker.Skip(field)
			if !ok {
				t.Fatalf("跳过 %s 失败", field)
			}
			check(snap)
			continue
		}
		snap, _ := tracker.Start(field)
		check(snap)
		if snap.CurrentField != field {
			t.Fatalf("当前字段应为 %s，实际 %s", field, snap.CurrentField)
		}
		snap, _ = tracker.Complete(field)
		check(snap)
		if i < len(models.FieldSlots)-1 && snap.Percentage == 100 {
			t.Fatalf("在 %s 完成时就到达了 100", field)
		}
	}

	if !tracker.AllTerminal() {
		t.Fatal("所有槽位应已终止")
	}
	if tracker.Percentage() != 100 {
		t.Fatalf("全部终止后应为 100，实际 %d", tracker.Percentage())
	}
}

func TestTrackerRejectsIllegalTransitions(t *testing.T) {
	tracker := NewTracker(nil)

	if _, ok := tracker.Complete("unknown"); ok {
		t.Fatal("未知字段的转换应被忽略")
	}
	tracker.Start(models.FieldDescription)
	if _, ok := tracker.Start(models.FieldDescription); ok {
		t.Fatal("重复开始应被忽略")
	}
	tracker.Complete(models.FieldDescription)
	if _, ok := tracker.Skip(models.FieldDescription); ok {
		t.Fatal("终止状态不能再次转换")
	}
	if tracker.Status(models.FieldDescription) != models.FieldCompleted {
		t.Fatal("状态应保持 completed")
	}
}

func TestTrackerFreezesAfterFailure(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Start(models.FieldDescription)
	tracker.Complete(models.FieldDescription)
	tracker.Start(models.FieldPersonality)
	before := tracker.Percentage()

	snap, ok := tracker.Fail(models.FieldPersonality)
	if !ok || !snap.Frozen {
		t.Fatal("失败转换应成功并冻结")
	}
	if _, ok := tracker.Start(models.FieldScenario); ok {
		t.Fatal("冻结后不应再开始新字段")
	}
	if tracker.Observe(99) != before {
		t.Fatal("冻结后百分比不应再变化")
	}
}

func TestNextFloor(t *testing.T) {
	if got := NextFloor(14, 0, 7); got != 14 {
		t.Fatalf("NextFloor(14,0,7) = %d", got)
	}
	if got := NextFloor(26, 1, 7); got != 26 {
		t.Fatalf("NextFloor(26,1,7) = %d", got)
	}
	if got := NextFloor(0, 2, 7); got != 36 {
		t.Fatalf("NextFloor(0,2,7) = %d", got)
	}
	if got := NextFloor(87, 6, 7); got != 87 {
		t.Fatalf("NextFloor(87,6,7) = %d", got)
	}
	if got := NextFloor(99, 6, 7); got != RunningCap {
		t.Fatalf("NextFloor 不应超过 99，实际 %d", got)
	}
}
