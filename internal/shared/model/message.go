// Package model 定义核心数据模型
//
// message.go 包含两条消息通道的线上格式：
//   - Worker 双工通道（编排器 ↔ Worker 进程）
//   - Observer 通道（观察端 ↔ 编排器）
//
// 两条通道都是 JSON 文本消息，外层统一为 type/payload 信封。
package model

import (
	"encoding/json"
)

// ============================================================================
// Worker 双工通道消息
// ============================================================================

// Worker 消息类型
const (
	// MsgAssignTask 编排器 → Worker：任务指派
	MsgAssignTask = "assign_task"

	// MsgTaskResult Worker → 编排器：终态结果
	MsgTaskResult = "task_result"

	// MsgProgressUpdate Worker → 编排器：增量输出 token
	MsgProgressUpdate = "progress_update"

	// MsgStatusUpdate Worker → 编排器：Worker 自报状态（仅记录，不驱动状态机）
	MsgStatusUpdate = "status_update"
)

// Worker 报告的任务结果状态
const (
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
)

// WorkerMessage Worker 双工通道的消息信封
type WorkerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AssignTaskPayload 任务指派载荷
type AssignTaskPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

// TaskResultPayload 终态结果载荷
type TaskResultPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"` // completed / failed
	Result string `json:"result,omitempty"`
}

// ProgressUpdatePayload 增量输出载荷
type ProgressUpdatePayload struct {
	TaskID string `json:"task_id"`
	Token  string `json:"token"`
}

// StatusUpdatePayload Worker 自报状态载荷
type StatusUpdatePayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// NewWorkerMessage 构造 Worker 消息（载荷序列化失败时返回空载荷信封）
func NewWorkerMessage(msgType string, payload interface{}) WorkerMessage {
	raw, err := json.Marshal(payload)
	if err != nil {
		return WorkerMessage{Type: msgType}
	}
	return WorkerMessage{Type: msgType, Payload: raw}
}

// ============================================================================
// Observer 通道消息
// ============================================================================

// Observer → 编排器 命令
const (
	CmdCreateAgent       = "create_agent"
	CmdStartAgent        = "start_agent"
	CmdStopAgent         = "stop_agent"
	CmdTerminateAgent    = "terminate_agent"
	CmdAddTask           = "add_task"
	CmdDeleteTask        = "delete_task"
	CmdSetAssignmentMode = "set_assignment_mode"
	CmdManualAssignTask  = "manual_assign_task"
	CmdGetProgress       = "get_progress"
)

// 编排器 → Observer 消息类型
const (
	// MsgState 全量状态快照
	MsgState = "state"

	// MsgTaskProgressFull 订阅时的全量历史
	MsgTaskProgressFull = "task_progress_full"

	// MsgTaskProgressDelta 订阅后的增量 token
	MsgTaskProgressDelta = "task_progress_delta"

	// MsgModeUpdate 分配模式变更
	MsgModeUpdate = "mode_update"

	// MsgWorkspacesUpdated 工作空间集合变更
	MsgWorkspacesUpdated = "workspaces_updated"

	// MsgError 命令错误
	MsgError = "error"
)

// ObserverCommand 观察端命令信封
type ObserverCommand struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateAgentPayload create_agent 载荷
type CreateAgentPayload struct {
	// Config Worker 配置文件名（在配置目录中解析）
	Config string `json:"config,omitempty"`
}

// AgentIDPayload start_agent / stop_agent / terminate_agent 载荷
type AgentIDPayload struct {
	AgentID string `json:"agent_id"`
}

// AddTaskPayload add_task 载荷
type AddTaskPayload struct {
	Description string `json:"description"`
}

// TaskIDPayload delete_task / get_progress 载荷
type TaskIDPayload struct {
	TaskID string `json:"task_id"`
}

// SetModePayload set_assignment_mode 载荷
type SetModePayload struct {
	Mode AssignmentMode `json:"mode"`
}

// ManualAssignPayload manual_assign_task 载荷
type ManualAssignPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// ServerMessage 编排器 → Observer 的消息信封
type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// StateSnapshot 全量状态快照
//
// 不包含任务历史大字段、进程/连接句柄与订阅者集合（见 TaskView/AgentView）。
type StateSnapshot struct {
	Agents map[string]AgentView `json:"agents"`
	Tasks  map[string]TaskView  `json:"tasks"`
	Mode   AssignmentMode       `json:"mode"`
}

// ProgressFullPayload task_progress_full 载荷
type ProgressFullPayload struct {
	TaskID  string `json:"task_id"`
	History string `json:"history"`
}

// ProgressDeltaPayload task_progress_delta 载荷
type ProgressDeltaPayload struct {
	TaskID string `json:"task_id"`
	Token  string `json:"token"`
}

// ErrorPayload error 载荷
type ErrorPayload struct {
	Message string `json:"message"`
}
