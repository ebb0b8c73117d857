// Package sqlite 基于嵌入式 SQLite 的任务存储驱动
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"agent-orchestrator/internal/shared/storage"

	_ "modernc.org/sqlite"
)

// Store SQLite 任务存储
//
// 实现 storage.Store 的全量快照语义：Save 在单个事务内
// 清空并重建 tasks 表，与 YAML 存储的整体重写行为一致。
type Store struct {
	db *sql.DB
}

// New 创建 SQLite 存储并初始化表结构
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 单写入者，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("设置 PRAGMA 失败: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			history     TEXT NOT NULL,
			state       TEXT NOT NULL
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	return &Store{db: db}, nil
}

// Load 读取全部任务记录
func (s *Store) Load(ctx context.Context) (map[string]storage.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, description, history, state FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	defer rows.Close()

	records := make(map[string]storage.TaskRecord)
	for rows.Next() {
		var id string
		var rec storage.TaskRecord
		if err := rows.Scan(&id, &rec.Description, &rec.History, &rec.State); err != nil {
			return nil, fmt.Errorf("读取任务记录失败: %w", err)
		}
		records[id] = rec
	}
	return records, rows.Err()
}

// Save 全量写入任务记录
func (s *Store) Save(ctx context.Context, records map[string]storage.TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("清空任务表失败: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (id, description, history, state) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备插入语句失败: %w", err)
	}
	defer stmt.Close()

	for id, rec := range records {
		if _, err := stmt.ExecContext(ctx, id, rec.Description, rec.History, rec.State); err != nil {
			return fmt.Errorf("写入任务记录失败: id=%s err=%w", id, err)
		}
	}

	return tx.Commit()
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}
