// internal/services/history_service.go
package services

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/models"
	_ "modernc.org/sqlite"
)

// HistoryFileName 历史库文件名
const HistoryFileName = "history.db"

const historySchema = `CREATE TABLE IF NOT EXISTS task_history (
    task_id         TEXT PRIMARY KEY,
    source_name     TEXT NOT NULL,
    character_name  TEXT,
    model_name      TEXT,
    status          TEXT NOT NULL,
    error_message   TEXT,
    completed_count INTEGER NOT NULL DEFAULT 0,
    total_count     INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    finished_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_finished ON task_history(finished_at);`

// HistoryService 把已结束的任务写入 SQLite
type HistoryService struct {
	db   *sql.DB
	path string
}

// OpenHistory 打开（必要时创建）数据目录下的历史库
func OpenHistory(dataDir string) (*HistoryService, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	dbPath := filepath.Join(dataDir, HistoryFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开历史库失败: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("设置 %q 失败: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化历史表失败: %w", err)
	}

	return &HistoryService{db: db, path: dbPath}, nil
}

// Path 数据库文件路径
func (s *HistoryService) Path() string {
	return s.path
}

// Close 关闭数据库连接
func (s *HistoryService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record 写入或覆盖一条任务记录
func (s *HistoryService) Record(ctx context.Context, rec models.HistoryRecord) error {
	if rec.TaskID == "" {
		return fmt.Errorf("任务 ID 为空")
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history (
            task_id, source_name, character_name, model_name, status, error_message,
            completed_count, total_count, created_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(task_id) DO UPDATE SET
            status = excluded.status,
            error_message = excluded.error_message,
            completed_count = excluded.completed_count,
            finished_at = excluded.finished_at`,
		rec.TaskID,
		rec.SourceName,
		nullableString(rec.CharacterName),
		nullableString(rec.ModelName),
		string(rec.Status),
		nullableString(rec.Error),
		rec.CompletedCount,
		rec.TotalCount,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("写入历史记录失败: %w", err)
	}
	return nil
}

// List 按结束时间倒序返回最近的记录，limit<=0 时默认 50
func (s *HistoryService) List(ctx context.Context, limit int) ([]models.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, source_name, character_name, model_name, status, error_message,
                completed_count, total_count, created_at, finished_at
         FROM task_history ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询历史记录失败: %w", err)
	}
	defer rows.Close()

	records := []models.HistoryRecord{}
	for rows.Next() {
		var (
			rec                          models.HistoryRecord
			character, model, errMessage sql.NullString
			status, created, finished    string
		)
		if err := rows.Scan(&rec.TaskID, &rec.SourceName, &character, &model, &status, &errMessage,
			&rec.CompletedCount, &rec.TotalCount, &created, &finished); err != nil {
			return nil, fmt.Errorf("读取历史记录失败: %w", err)
		}
		rec.CharacterName = character.String
		rec.ModelName = model.String
		rec.Error = errMessage.String
		rec.Status = models.TerminalStatus(status)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune 删除早于 cutoff 的记录
func (s *HistoryService) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_history WHERE finished_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("清理历史记录失败: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
