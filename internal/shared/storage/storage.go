// Package storage 提供任务持久化存储层
//
// 持久化范围刻意保持最小：只有任务的 description / history / state 落盘，
// Agent、工作空间占用、分配模式等运行时状态重启后重建。
//
// 存储驱动：
//   - yaml：单个扁平文档，每次保存整体重写（默认）
//   - sqlite：嵌入式数据库，适合任务量大的部署
package storage

import (
	"context"
)

// TaskRecord 任务持久化记录
//
// 只保留重启后恢复所需的字段，运行时字段（assigned_agent_id 等）不落盘。
type TaskRecord struct {
	Description string `yaml:"description" json:"description"`
	History     string `yaml:"history" json:"history"`
	State       string `yaml:"state" json:"state"`
}

// Store 任务存储接口
//
// Save 以全量快照语义写入：调用方传入完整任务集合，
// 存储层负责让持久化介质与之完全一致。
type Store interface {
	// Load 读取全部任务记录，介质为空时返回空集合而非错误
	Load(ctx context.Context) (map[string]TaskRecord, error)

	// Save 全量写入任务记录
	Save(ctx context.Context, records map[string]TaskRecord) error

	// Close 关闭存储
	Close() error
}
