// Package dispatcher 任务分配器
//
// 负责 idle Agent 与未认领任务的配对以及交接协议：
//   - 自动模式：每次状态事件后尝试为 incomplete 任务匹配 idle Agent
//   - 手动模式：只响应显式的配对请求；自动模式激活时直接拒绝手动配对
//   - 交接失败的回滚：Agent 回 idle、任务回 incomplete、清除指派、释放工作空间
//
// 跨组件不变式（工作空间占用标记、任务 assignedAgentId、Agent busy）
// 的成组更新由本包的互斥锁保护。
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"

	"agent-orchestrator/internal/orchestrator/agent"
	"agent-orchestrator/internal/orchestrator/metrics"
	"agent-orchestrator/internal/orchestrator/task"
	"agent-orchestrator/internal/orchestrator/workspace"
	"agent-orchestrator/internal/shared/model"

	"github.com/containerd/errdefs"
)

// Dispatcher 任务分配器
type Dispatcher struct {
	mu       sync.Mutex
	mode     model.AssignmentMode
	tasks    *task.Store
	agents   *agent.Registry
	pool     *workspace.Pool
	wsByTask map[string]int // 任务 ID → 已分配的工作空间编号
	metrics  *metrics.Metrics

	// onModeChange 模式变更通知（由 EventHub 消费，广播 mode_update）
	onModeChange func(mode model.AssignmentMode)
}

// New 创建分配器，初始为自动模式
func New(tasks *task.Store, agents *agent.Registry, pool *workspace.Pool) *Dispatcher {
	return &Dispatcher{
		mode:     model.ModeAuto,
		tasks:    tasks,
		agents:   agents,
		pool:     pool,
		wsByTask: make(map[string]int),
	}
}

// SetMetrics 注入指标实例（启动期调用）
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

// SetModeListener 注册模式变更监听（启动期调用）
func (d *Dispatcher) SetModeListener(fn func(mode model.AssignmentMode)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onModeChange = fn
}

// Mode 返回当前分配模式
func (d *Dispatcher) Mode() model.AssignmentMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetMode 切换分配模式
//
// 切到自动模式时立即尝试一轮分配。
func (d *Dispatcher) SetMode(ctx context.Context, mode model.AssignmentMode) error {
	if !mode.Valid() {
		return fmt.Errorf("未知的分配模式 %q: %w", mode, errdefs.ErrInvalidArgument)
	}

	d.mu.Lock()
	changed := d.mode != mode
	d.mode = mode
	listener := d.onModeChange
	d.mu.Unlock()

	if changed {
		log.Printf("[Dispatcher] 分配模式切换: mode=%s", mode)
		if listener != nil {
			listener(mode)
		}
	}
	if mode == model.ModeAuto {
		d.AssignIfPossible(ctx)
	}
	return nil
}

// AssignIfPossible 自动分配
//
// 非自动模式下为 no-op。反复配对「第一个有存活连接的 idle Agent ×
// 第一个未认领的 incomplete 任务」直到任一侧耗尽或交接失败。
func (d *Dispatcher) AssignIfPossible(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode != model.ModeAuto {
		return
	}

	for {
		agentID := d.agents.FirstIdle()
		if agentID == "" {
			return
		}
		taskID := d.tasks.FirstIncomplete()
		if taskID == "" {
			return
		}
		if !d.assignLocked(ctx, taskID, agentID) {
			return
		}
	}
}

// ManualAssign 手动配对
//
// 自动模式激活时直接拒绝，不改变任何状态。
func (d *Dispatcher) ManualAssign(ctx context.Context, taskID, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == model.ModeAuto {
		return fmt.Errorf("自动模式下不接受手动配对: %w", errdefs.ErrConflict)
	}
	if !d.assignLocked(ctx, taskID, agentID) {
		return fmt.Errorf("配对失败: task=%s agent=%s: %w", taskID, agentID, errdefs.ErrConflict)
	}
	return nil
}

// AssignTaskToAgent 执行交接协议
//
// 前置校验失败返回 false 且无副作用；交接中途失败回滚全部三方状态。
func (d *Dispatcher) AssignTaskToAgent(ctx context.Context, taskID, agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.assignLocked(ctx, taskID, agentID)
}

// assignLocked 交接协议本体（须持锁）
func (d *Dispatcher) assignLocked(ctx context.Context, taskID, agentID string) bool {
	t, ok := d.tasks.Get(taskID)
	if !ok || t.State != model.TaskStateIncomplete {
		log.Printf("[Dispatcher] 配对前置失败: task=%s 不是 incomplete", taskID)
		return false
	}
	status, ok := d.agents.Status(agentID)
	if !ok || status != model.AgentStatusIdle {
		log.Printf("[Dispatcher] 配对前置失败: agent=%s 不是 idle", agentID)
		return false
	}
	ch, ok := d.agents.Channel(agentID)
	if !ok {
		log.Printf("[Dispatcher] 配对前置失败: agent=%s 没有存活连接", agentID)
		return false
	}

	if !d.agents.SetStatus(agentID, model.AgentStatusBusy) {
		return false
	}
	if !d.tasks.SetState(ctx, taskID, model.TaskStateRunning) {
		d.agents.SetStatus(agentID, model.AgentStatusIdle)
		return false
	}
	d.tasks.SetAssigned(taskID, &agentID)

	ws := d.pool.Allocate(taskID)
	if ws == nil {
		log.Printf("[Dispatcher] 无空闲工作空间: task=%s", taskID)
		d.rollbackLocked(ctx, taskID, agentID)
		return false
	}
	d.wsByTask[taskID] = ws.ID

	d.tasks.StartSegment(ctx, taskID)

	msg := model.NewWorkerMessage(model.MsgAssignTask, model.AssignTaskPayload{
		TaskID:      taskID,
		Description: t.Description,
	})
	if err := ch.Send(msg); err != nil {
		log.Printf("[Dispatcher] 任务下发失败: task=%s agent=%s err=%v", taskID, agentID, err)
		d.rollbackLocked(ctx, taskID, agentID)
		return false
	}

	log.Printf("[Dispatcher] 任务交接完成: task=%s agent=%s ws=%d", taskID, agentID, ws.ID)
	if d.metrics != nil {
		d.metrics.Assignments.Inc()
		d.metrics.SetWorkspaces(d.pool.Stats())
	}
	return true
}

// rollbackLocked 交接失败回滚（须持锁）
//
// Agent 回 idle、任务回 incomplete、清除指派、释放工作空间。
func (d *Dispatcher) rollbackLocked(ctx context.Context, taskID, agentID string) {
	d.agents.SetStatus(agentID, model.AgentStatusIdle)
	d.tasks.SetState(ctx, taskID, model.TaskStateIncomplete)
	d.tasks.SetAssigned(taskID, nil)
	d.freeWorkspaceLocked(taskID)
	if d.metrics != nil {
		d.metrics.AssignmentFailures.Inc()
	}
}

// HandleTaskResult 处理 Worker 的终态结果
//
// 只接受当前执行者的结果：崩溃恢复后任务可能已重新指派，
// 前执行者迟到的结果一律忽略。成功 ⇒ completed，失败 ⇒ incomplete；
// Agent 回 idle；释放工作空间；订阅在终态转换时由 TaskStore 通知清空；
// 随后再尝试一轮自动分配。
func (d *Dispatcher) HandleTaskResult(ctx context.Context, agentID string, res model.TaskResultPayload) {
	d.mu.Lock()

	t, ok := d.tasks.Get(res.TaskID)
	if !ok {
		log.Printf("[Dispatcher] 收到未知任务的结果: task=%s agent=%s", res.TaskID, agentID)
		d.mu.Unlock()
		return
	}
	if t.AssignedAgentID == nil || *t.AssignedAgentID != agentID {
		log.Printf("[Dispatcher] 忽略非当前执行者的结果: task=%s agent=%s", res.TaskID, agentID)
		d.mu.Unlock()
		return
	}

	next := model.TaskStateIncomplete
	if res.Status == model.ResultStatusCompleted {
		next = model.TaskStateCompleted
	}
	log.Printf("[Dispatcher] 任务结束: task=%s agent=%s status=%s", res.TaskID, agentID, res.Status)

	d.tasks.SetResult(res.TaskID, res.Result)
	d.tasks.SetState(ctx, res.TaskID, next)
	d.tasks.SetAssigned(res.TaskID, nil)
	d.agents.SetStatus(agentID, model.AgentStatusIdle)
	d.freeWorkspaceLocked(res.TaskID)

	d.mu.Unlock()
	d.AssignIfPossible(ctx)
}

// HandleAgentFailure 崩溃恢复
//
// busy Agent 的进程退出或连接断开时调用：其 running 任务强制回
// incomplete、清除指派、释放工作空间，随后再尝试一轮自动分配
// （其他 idle Agent 可立即接走回收的任务）。Agent 自身的 error
// 转换由监督器 / 连接层负责。
func (d *Dispatcher) HandleAgentFailure(ctx context.Context, agentID string) {
	d.mu.Lock()

	taskID := d.tasks.AssignedTo(agentID)
	if taskID == "" {
		d.mu.Unlock()
		return
	}

	log.Printf("[Dispatcher] 崩溃恢复: agent=%s task=%s 回退为 incomplete", agentID, taskID)
	d.tasks.SetState(ctx, taskID, model.TaskStateIncomplete)
	d.tasks.SetAssigned(taskID, nil)
	d.freeWorkspaceLocked(taskID)

	d.mu.Unlock()
	d.AssignIfPossible(ctx)
}

// ReleaseTask 删除任务前的资源回收
//
// 任务仍在执行时无法从编排器侧取消 Worker 的本次执行：
// 只把 Agent 放回 idle 并释放工作空间，Worker 之后对该任务的
// 消息会因任务不存在而被忽略。
func (d *Dispatcher) ReleaseTask(ctx context.Context, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks.Get(taskID)
	if !ok {
		return
	}
	if t.AssignedAgentID != nil {
		d.agents.SetStatus(*t.AssignedAgentID, model.AgentStatusIdle)
		d.tasks.SetAssigned(taskID, nil)
	}
	d.freeWorkspaceLocked(taskID)
}

// freeWorkspaceLocked 释放任务占用的工作空间（须持锁）
func (d *Dispatcher) freeWorkspaceLocked(taskID string) {
	if wsID, ok := d.wsByTask[taskID]; ok {
		d.pool.Free(wsID)
		delete(d.wsByTask, taskID)
		if d.metrics != nil {
			d.metrics.SetWorkspaces(d.pool.Stats())
		}
	}
}
