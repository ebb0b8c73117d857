// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：任务实体（描述 + 追加式历史 + 状态机）
//   - TaskState：任务状态枚举
//   - 任务状态转换表（CanTransition）
//   - TaskView：对外快照视图（不含大字段）
//
// 设计理念：
//   - Task 由 TaskStore 独占持有，其他组件只通过 TaskStore 的操作访问
//   - History 是追加式文本日志，以 HistorySeparator 分段
//   - 状态转换只允许转换表中列出的路径，其余一律拒绝
package model

import (
	"time"
)

// HistorySeparator 历史日志的分段符
//
// 任务创建时 History 为 description + HistorySeparator；
// 重新执行时在上次输出后补一个分段符，
// 使观察端可以把历史切成「描述段 / 各次输出段」。
const HistorySeparator = "\n|||\n"

// ============================================================================
// TaskState - 任务状态枚举
// ============================================================================

// TaskState 任务状态
type TaskState string

const (
	// TaskStateIncomplete 未完成：新建、执行失败或被回收的任务，等待分配
	TaskStateIncomplete TaskState = "incomplete"

	// TaskStateRunning 执行中：已分配给某个 Agent
	TaskStateRunning TaskState = "running"

	// TaskStateCompleted 已完成：Worker 报告执行成功
	TaskStateCompleted TaskState = "completed"

	// TaskStateTerminating 删除中：删除请求的中间态，随后从 TaskStore 移除
	TaskStateTerminating TaskState = "terminating"
)

// taskTransitions 任务状态转换表
//
// 不在表中的转换一律非法：
//   - running → completed / incomplete / terminating
//   - completed → terminating
//   - incomplete → running / terminating
//   - terminating →（终态，随后移除）
var taskTransitions = map[TaskState][]TaskState{
	TaskStateRunning:     {TaskStateCompleted, TaskStateIncomplete, TaskStateTerminating},
	TaskStateCompleted:   {TaskStateTerminating},
	TaskStateIncomplete:  {TaskStateRunning, TaskStateTerminating},
	TaskStateTerminating: {},
}

// Valid 判断是否为已知的任务状态
func (s TaskState) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// CanTransition 判断从当前状态到 next 的转换是否合法
func (s TaskState) CanTransition(next TaskState) bool {
	for _, t := range taskTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal 判断是否为一次执行的终止状态（completed / incomplete）
//
// 用于 EventHub：任务到达终止状态时清空其订阅者集合。
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateIncomplete
}

// ============================================================================
// Task - 任务实体
// ============================================================================

// Task 任务实体
//
// 字段分组：
//  1. 基础字段：ID, Description
//  2. 运行时字段：State, AssignedAgentID, Result, History
//  3. 时间戳：CreatedAt, UpdatedAt
//
// 不变式：AssignedAgentID != nil 当且仅当 State == running，
// 且被引用的 Agent 状态为 busy。
type Task struct {
	// ID 任务唯一标识（UUID）
	ID string `json:"id" yaml:"-"`

	// Description 任务描述（创建后不再修改）
	Description string `json:"description" yaml:"description"`

	// History 追加式历史日志（快照视图中省略）
	History string `json:"-" yaml:"history"`

	// State 任务状态
	State TaskState `json:"state" yaml:"state"`

	// AssignedAgentID 执行 Agent ID（running 时非空）
	AssignedAgentID *string `json:"assigned_agent_id,omitempty" yaml:"-"`

	// Result Worker 报告的最终结果
	Result *string `json:"result,omitempty" yaml:"-"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// NewTask 创建任务实体（状态 incomplete，历史为描述 + 分段符）
func NewTask(id, description string) *Task {
	now := time.Now()
	return &Task{
		ID:          id,
		Description: description,
		History:     description + HistorySeparator,
		State:       TaskStateIncomplete,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Touch 更新修改时间戳
func (t *Task) Touch() {
	t.UpdatedAt = time.Now()
}

// ============================================================================
// TaskView - 快照视图
// ============================================================================

// TaskView 任务的对外快照视图
//
// 全量状态广播使用此视图：不包含 History 大字段，
// 也不包含订阅者集合等瞬态数据。
type TaskView struct {
	ID              string    `json:"id"`
	Description     string    `json:"description"`
	State           TaskState `json:"state"`
	AssignedAgentID *string   `json:"assigned_agent_id,omitempty"`
	Result          *string   `json:"result,omitempty"`
}

// View 生成快照视图
func (t *Task) View() TaskView {
	return TaskView{
		ID:              t.ID,
		Description:     t.Description,
		State:           t.State,
		AssignedAgentID: t.AssignedAgentID,
		Result:          t.Result,
	}
}
