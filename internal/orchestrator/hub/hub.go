// Package hub 观察端事件中心
//
// 两条推送路径：
//   - 全量状态广播：每个状态性事件后向所有观察端推送一份快照
//     （不含历史大字段、进程/连接句柄与订阅者集合）。推送经
//     合并通道异步执行，密集事件合并为一次广播。
//   - 按任务增量流：观察端显式订阅某任务后先收到一次全量历史，
//     此后只收增量 token，直到退订、断开或任务到达终态。
//     任务到达终态时订阅集合整体清空，观察端需重新订阅下一次执行。
//
// 观察端是可弃的：任何推送失败只会移除该观察端，绝不回滚编排状态。
package hub

import (
	"context"
	"log"
	"sync"

	"agent-orchestrator/internal/orchestrator/agent"
	"agent-orchestrator/internal/orchestrator/metrics"
	"agent-orchestrator/internal/orchestrator/task"
	"agent-orchestrator/internal/shared/model"
)

// Sink 观察端连接的发送端
//
// 由服务端的 WebSocket 包装实现；SendMessage 失败表示连接不可用，
// 该观察端会被移除。
type Sink interface {
	SendMessage(msg model.ServerMessage) error
}

// ModeSource 当前分配模式的提供方（由 Dispatcher 实现）
type ModeSource interface {
	Mode() model.AssignmentMode
}

// Hub 观察端事件中心
type Hub struct {
	mu       sync.Mutex
	sinks    map[Sink]bool
	watchers map[string]map[Sink]bool // 任务 ID → 订阅该任务的观察端
	tasks    *task.Store
	agents   *agent.Registry
	mode     ModeSource
	metrics  *metrics.Metrics

	// signal 合并通道：容量 1，密集事件合并为一次全量广播
	signal chan struct{}
}

// New 创建事件中心
func New(tasks *task.Store, agents *agent.Registry, mode ModeSource) *Hub {
	return &Hub{
		sinks:    make(map[Sink]bool),
		watchers: make(map[string]map[Sink]bool),
		tasks:    tasks,
		agents:   agents,
		mode:     mode,
		signal:   make(chan struct{}, 1),
	}
}

// SetMetrics 注入指标实例（启动期调用）
//
// 任务与 Agent 的状态 gauge 在每次全量广播时从快照刷新，
// 不触碰任何存储锁。
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

// Run 广播循环（独立协程运行，ctx 取消后退出）
//
// 快照的构建在存储锁之外进行，状态事件回调只负责投递信号。
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.signal:
			h.BroadcastState()
		}
	}
}

// AddSink 登记观察端并立即推送一份当前快照
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks[s] = true
	n := len(h.sinks)
	h.mu.Unlock()

	log.Printf("[Hub] 观察端接入: total=%d", n)
	s.SendMessage(model.ServerMessage{Type: model.MsgState, Payload: h.snapshot()})
}

// RemoveSink 移除观察端及其全部订阅
func (h *Hub) RemoveSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSinkLocked(s)
}

// Subscribe 订阅任务的增量流
//
// 立即向该观察端推送一次完整历史，此后它只收增量。
// 任务不存在时推送 error 消息。
func (h *Hub) Subscribe(taskID string, s Sink) {
	history, ok := h.tasks.History(taskID)
	if !ok {
		log.Printf("[Hub] 订阅未知任务: task=%s", taskID)
		s.SendMessage(model.ServerMessage{
			Type:    model.MsgError,
			Payload: model.ErrorPayload{Message: "task " + taskID + " not found"},
		})
		return
	}

	h.mu.Lock()
	if h.watchers[taskID] == nil {
		h.watchers[taskID] = make(map[Sink]bool)
	}
	h.watchers[taskID][s] = true
	h.mu.Unlock()

	log.Printf("[Hub] 观察端订阅任务: task=%s", taskID)
	s.SendMessage(model.ServerMessage{
		Type:    model.MsgTaskProgressFull,
		Payload: model.ProgressFullPayload{TaskID: taskID, History: history},
	})
}

// BroadcastState 向所有观察端推送全量状态快照
//
// 逐个观察端尽力推送：失败的观察端被移除，不影响其余投递。
func (h *Hub) BroadcastState() {
	snap := h.snapshot()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RefreshSnapshot(snap)
	}
	h.sendAllLocked(model.ServerMessage{Type: model.MsgState, Payload: snap})
}

// BroadcastWorkspaces 推送工作空间集合变更通知
func (h *Hub) BroadcastWorkspaces(workspaces interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendAllLocked(model.ServerMessage{Type: model.MsgWorkspacesUpdated, Payload: workspaces})
}

// ============================================================================
// 存储事件回调（task.Observer / agent.Observer / 模式监听）
// ============================================================================

// OnTaskChanged 状态性任务事件：投递合并信号
func (h *Hub) OnTaskChanged(model.TaskView) {
	h.trigger()
}

// OnAgentChanged 状态性 Agent 事件：投递合并信号
func (h *Hub) OnAgentChanged(model.AgentView) {
	h.trigger()
}

// OnTaskProgress 增量 token：同步推送给该任务的订阅者
//
// 在存储锁内按追加顺序调用，订阅者因此按追加顺序收到增量。
func (h *Hub) OnTaskProgress(taskID, token string) {
	msg := model.ServerMessage{
		Type:    model.MsgTaskProgressDelta,
		Payload: model.ProgressDeltaPayload{TaskID: taskID, Token: token},
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var failed []Sink
	for s := range h.watchers[taskID] {
		if err := s.SendMessage(msg); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		log.Printf("[Hub] 增量推送失败，移除观察端: task=%s err 已记录", taskID)
		h.removeSinkLocked(s)
	}
}

// OnTaskTerminal 任务到达终态或被删除：清空其订阅集合
func (h *Hub) OnTaskTerminal(taskID string) {
	h.mu.Lock()
	if _, ok := h.watchers[taskID]; ok {
		delete(h.watchers, taskID)
		log.Printf("[Hub] 清空任务订阅: task=%s", taskID)
	}
	h.mu.Unlock()
}

// OnModeChanged 分配模式变更：推送 mode_update 并触发全量广播
func (h *Hub) OnModeChanged(mode model.AssignmentMode) {
	h.mu.Lock()
	h.sendAllLocked(model.ServerMessage{
		Type:    model.MsgModeUpdate,
		Payload: model.SetModePayload{Mode: mode},
	})
	h.mu.Unlock()
	h.trigger()
}

// ============================================================================
// 内部
// ============================================================================

func (h *Hub) trigger() {
	select {
	case h.signal <- struct{}{}:
	default: // 已有待处理的广播信号，合并
	}
}

func (h *Hub) snapshot() model.StateSnapshot {
	return model.StateSnapshot{
		Agents: h.agents.Views(),
		Tasks:  h.tasks.Views(),
		Mode:   h.mode.Mode(),
	}
}

// sendAllLocked 向全部观察端尽力推送（须持锁）
func (h *Hub) sendAllLocked(msg model.ServerMessage) {
	var failed []Sink
	for s := range h.sinks {
		if err := s.SendMessage(msg); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		h.removeSinkLocked(s)
	}
}

func (h *Hub) removeSinkLocked(s Sink) {
	if _, ok := h.sinks[s]; !ok {
		return
	}
	delete(h.sinks, s)
	for taskID, set := range h.watchers {
		delete(set, s)
		if len(set) == 0 {
			delete(h.watchers, taskID)
		}
	}
	log.Printf("[Hub] 观察端移除: total=%d", len(h.sinks))
}
