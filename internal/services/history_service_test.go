package services

import (
	"context"
	"testing"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/models"
)

func TestHistoryRecordListPrune(t *testing.T) {
	dir := t.TempDir()
	history, err := OpenHistory(dir)
	if err != nil {
		t.Fatalf("打开历史库失败: %v", err)
	}
	defer history.Close()

	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []models.HistoryRecord{
		{TaskID: "a", SourceName: "a.png", Status: models.TaskSuccess, CompletedCount: 7, TotalCount: 7, CreatedAt: base, FinishedAt: base.Add(time.Minute)},
		{TaskID: "b", SourceName: "b.png", CharacterName: "Bob", ModelName: "gpt", Status: models.TaskException, Error: "API错误", CompletedCount: 2, TotalCount: 7, CreatedAt: base, FinishedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := history.Record(ctx, rec); err != nil {
			t.Fatalf("写入失败: %v", err)
		}
	}

	list, err := history.List(ctx, 0)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(list) != 2 || list[0].TaskID != "b" {
		t.Fatalf("应按结束时间倒序返回，实际 %+v", list)
	}
	if list[0].Error != "API错误" || list[0].CharacterName != "Bob" || list[0].Status != models.TaskException {
		t.Fatalf("字段未正确读回: %+v", list[0])
	}
	if list[1].CharacterName != "" {
		t.Fatalf("空值应读回为空字符串")
	}

	// 同一任务再次写入覆盖状态
	records[0].Status = models.TaskCancelled
	records[0].FinishedAt = base.Add(3 * time.Minute)
	if err := history.Record(ctx, records[0]); err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}
	list, _ = history.List(ctx, 1)
	if len(list) != 1 || list[0].TaskID != "a" || list[0].Status != models.TaskCancelled {
		t.Fatalf("覆盖后应排在最前且状态更新: %+v", list)
	}

	n, err := history.Prune(ctx, base.Add(150*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("应删除 1 条旧记录，实际 %d %v", n, err)
	}
}

func TestHistoryRejectsEmptyTaskID(t *testing.T) {
	history, err := OpenHistory(t.TempDir())
	if err != nil {
		t.Fatalf("打开历史库失败: %v", err)
	}
	defer history.Close()
	if err := history.Record(context.Background(), models.HistoryRecord{}); err == nil {
		t.Fatalf("空任务 ID 应报错")
	}
}
