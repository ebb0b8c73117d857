// Package model 定义核心数据模型
//
// agent.go 包含 Agent 相关的数据模型定义：
//   - Agent：Agent 实体（外部 Worker 进程在编排器侧的记录）
//   - AgentStatus：Agent 状态枚举
//   - Agent 状态转换表（CanTransition）
//   - AgentView：对外快照视图（不含进程/连接句柄）
//
// 设计理念：
//   - Agent 由 AgentRegistry 独占持有，进程句柄由 ProcessSupervisor 驱动
//   - busy 的 Agent 总是恰好对应一个 AssignedAgentID 指向它的 running 任务
//   - 没有活跃双工连接的 Agent 不可能处于 idle / busy
package model

import (
	"time"
)

// ============================================================================
// AgentStatus - Agent 状态枚举
// ============================================================================

// AgentStatus Agent 状态
type AgentStatus string

const (
	// AgentStatusCreated 已创建：记录存在，进程尚未启动
	AgentStatusCreated AgentStatus = "created"

	// AgentStatusStarting 启动中：进程已拉起，等待 Worker 回连
	AgentStatusStarting AgentStatus = "starting"

	// AgentStatusIdle 空闲：Worker 已回连，可接受任务
	AgentStatusIdle AgentStatus = "idle"

	// AgentStatusBusy 繁忙：正在执行任务
	AgentStatusBusy AgentStatus = "busy"

	// AgentStatusStopping 停止中：已发送优雅终止信号
	AgentStatusStopping AgentStatus = "stopping"

	// AgentStatusStopped 已停止：进程正常退出，可重新启动
	AgentStatusStopped AgentStatus = "stopped"

	// AgentStatusError 错误：进程崩溃 / 意外退出 / 连接断开
	AgentStatusError AgentStatus = "error"

	// AgentStatusTerminating 删除中：删除请求的中间态，进程退出后移除记录
	AgentStatusTerminating AgentStatus = "terminating"
)

// agentTransitions Agent 状态转换表
//
// 不在表中的转换一律非法。terminating 是唯一会移除记录的路径。
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusCreated:     {AgentStatusStarting, AgentStatusTerminating},
	AgentStatusStarting:    {AgentStatusIdle, AgentStatusError, AgentStatusTerminating},
	AgentStatusIdle:        {AgentStatusBusy, AgentStatusStopping, AgentStatusError, AgentStatusTerminating},
	AgentStatusBusy:        {AgentStatusIdle, AgentStatusStopping, AgentStatusError, AgentStatusTerminating},
	AgentStatusStopping:    {AgentStatusStopped, AgentStatusError, AgentStatusTerminating},
	AgentStatusStopped:     {AgentStatusStarting, AgentStatusIdle, AgentStatusTerminating},
	AgentStatusError:       {AgentStatusStarting, AgentStatusIdle, AgentStatusTerminating},
	AgentStatusTerminating: {},
}

// Valid 判断是否为已知的 Agent 状态
func (s AgentStatus) Valid() bool {
	_, ok := agentTransitions[s]
	return ok
}

// CanTransition 判断从当前状态到 next 的转换是否合法
//
// stopped/error → idle 是自愈重连路径：Worker 进程仍在、连接恢复时
// 不经过 starting 直接回到 idle。
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	for _, t := range agentTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ============================================================================
// Agent - Agent 实体
// ============================================================================

// Agent Agent 实体
//
// 进程句柄与双工连接不在此结构中：进程句柄由 ProcessSupervisor 持有，
// 双工连接由 AgentRegistry 的 AttachChannel/DetachChannel 记录。
// 这里只保留可序列化状态。
type Agent struct {
	// ID Agent 唯一标识（UUID）
	ID string `json:"id"`

	// Status Agent 状态
	Status AgentStatus `json:"status"`

	// WorkDir 专属工作目录（删除 Agent 时清理）
	WorkDir string `json:"workdir"`

	// ConfigPath Worker 配置文件路径
	ConfigPath string `json:"config_path"`

	// Kind Worker 类型标签（启动时经 worker-kind 注册表解析）
	Kind string `json:"kind"`

	// PID Worker 进程号（进程存活时非零）
	PID int `json:"pid,omitempty"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAgent 创建 Agent 实体（状态 created）
func NewAgent(id, configPath, kind, workDir string) *Agent {
	now := time.Now()
	return &Agent{
		ID:         id,
		Status:     AgentStatusCreated,
		WorkDir:    workDir,
		ConfigPath: configPath,
		Kind:       kind,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Touch 更新修改时间戳
func (a *Agent) Touch() {
	a.UpdatedAt = time.Now()
}

// ============================================================================
// AgentView - 快照视图
// ============================================================================

// AgentView Agent 的对外快照视图
//
// 与 Agent 字段一致（进程/连接句柄本就不在实体中），
// 额外带上连接存活标记，便于观察端区分 stopped 与断连。
type AgentView struct {
	ID         string      `json:"id"`
	Status     AgentStatus `json:"status"`
	WorkDir    string      `json:"workdir"`
	ConfigPath string      `json:"config_path"`
	Kind       string      `json:"kind"`
	PID        int         `json:"pid,omitempty"`
	Connected  bool        `json:"connected"`
}

// View 生成快照视图
func (a *Agent) View(connected bool) AgentView {
	return AgentView{
		ID:         a.ID,
		Status:     a.Status,
		WorkDir:    a.WorkDir,
		ConfigPath: a.ConfigPath,
		Kind:       a.Kind,
		PID:        a.PID,
		Connected:  connected,
	}
}
