// Package agent Agent 注册表
//
// 负责 Agent 记录的独占持有与生命周期管理：
//   - 状态机约束（非法转换记日志并拒绝）
//   - 专属工作目录的分配（base/<agent_id>，删除 Agent 时由监督器清理）
//   - 双工连接的登记（AttachChannel/DetachChannel）
//   - 变更事件发射
//
// 进程句柄不在本包：由 ProcessSupervisor 持有并驱动状态转换。
package agent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agent-orchestrator/internal/shared/model"

	"github.com/google/uuid"
)

// Channel Agent 双工连接的发送端
//
// 由服务端的 WebSocket 包装实现；Send 失败表示连接已不可用。
type Channel interface {
	Send(msg model.WorkerMessage) error
	Close() error
}

// Observer Agent 事件观察者
//
// 回调在注册表锁内调用，实现不得同步调用回 Registry。
type Observer interface {
	OnAgentChanged(view model.AgentView)
}

// Registry Agent 注册表
type Registry struct {
	mu          sync.Mutex
	agents      map[string]*model.Agent
	channels    map[string]Channel
	workdirBase string
	observers   []Observer
}

// NewRegistry 创建 Agent 注册表
func NewRegistry(workdirBase string) *Registry {
	return &Registry{
		agents:      make(map[string]*model.Agent),
		channels:    make(map[string]Channel),
		workdirBase: workdirBase,
	}
}

// AddObserver 注册观察者（启动期一次性注册）
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Create 创建 Agent 记录，状态 created，并分配专属工作目录
func (r *Registry) Create(configPath, kind string) (model.AgentView, error) {
	id := uuid.NewString()
	workdir := filepath.Join(r.workdirBase, id)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return model.AgentView{}, fmt.Errorf("创建 Agent 工作目录失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a := model.NewAgent(id, configPath, kind, workdir)
	r.agents[id] = a

	log.Printf("[AgentRegistry] 创建 Agent: agent=%s config=%s kind=%s", id, configPath, kind)
	r.notifyLocked(a)
	return a.View(false), nil
}

// Get 获取 Agent 副本
func (r *Registry) Get(id string) (model.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return model.Agent{}, false
	}
	return *a, true
}

// Views 返回全部 Agent 的快照视图
func (r *Registry) Views() map[string]model.AgentView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]model.AgentView, len(r.agents))
	for id, a := range r.agents {
		_, connected := r.channels[id]
		out[id] = a.View(connected)
	}
	return out
}

// SetStatus 执行状态转换
//
// 非法转换记日志并返回 false，不改变任何状态。
func (r *Registry) SetStatus(id string, next model.AgentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		log.Printf("[AgentRegistry] 状态转换失败: agent=%s 不存在", id)
		return false
	}
	if !a.Status.CanTransition(next) {
		log.Printf("[AgentRegistry] 拒绝非法状态转换: agent=%s %s -> %s", id, a.Status, next)
		return false
	}

	log.Printf("[AgentRegistry] 状态转换: agent=%s %s -> %s", id, a.Status, next)
	a.Status = next
	a.Touch()
	r.notifyLocked(a)
	return true
}

// Status 获取 Agent 当前状态
func (r *Registry) Status(id string) (model.AgentStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return "", false
	}
	return a.Status, true
}

// SetPID 记录 Worker 进程号（0 表示进程已退出）
func (r *Registry) SetPID(id string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[id]; ok {
		a.PID = pid
		a.Touch()
	}
}

// AttachChannel 登记 Agent 的双工连接
//
// 同一 Agent 重复回连时关闭旧连接，以新连接为准。
func (r *Registry) AttachChannel(id string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	if old, exists := r.channels[id]; exists {
		old.Close()
	}
	r.channels[id] = ch
	log.Printf("[AgentRegistry] 连接登记: agent=%s", id)
	r.notifyLocked(a)
	return true
}

// DetachChannel 注销 Agent 的双工连接
//
// 只有当前登记的连接才会被注销：旧连接断开不影响新连接。
func (r *Registry) DetachChannel(id string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.channels[id]
	if !ok || cur != ch {
		return false
	}
	delete(r.channels, id)
	log.Printf("[AgentRegistry] 连接注销: agent=%s", id)
	if a, exists := r.agents[id]; exists {
		r.notifyLocked(a)
	}
	return true
}

// Channel 获取 Agent 当前的双工连接
func (r *Registry) Channel(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	return ch, ok
}

// Connected 判断 Agent 是否有存活连接
func (r *Registry) Connected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.channels[id]
	return ok
}

// FirstIdle 返回最早创建的有存活连接的 idle Agent ID（无则为空串）
//
// 先到先得：同一时刻创建的按 ID 保证确定性。
func (r *Registry) FirstIdle() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		oldest   string
		earliest time.Time
	)
	for id, a := range r.agents {
		if a.Status != model.AgentStatusIdle {
			continue
		}
		if _, connected := r.channels[id]; !connected {
			continue
		}
		if oldest == "" || a.CreatedAt.Before(earliest) ||
			(a.CreatedAt.Equal(earliest) && id < oldest) {
			oldest, earliest = id, a.CreatedAt
		}
	}
	return oldest
}

// Remove 移除 Agent 记录并注销连接
//
// 工作目录的清理由 ProcessSupervisor 在终结流程中负责。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	if ch, exists := r.channels[id]; exists {
		ch.Close()
		delete(r.channels, id)
	}
	delete(r.agents, id)
	log.Printf("[AgentRegistry] 移除 Agent: agent=%s", id)
	r.notifyLocked(a)
	return true
}

// Count 返回指定状态的 Agent 数量
func (r *Registry) Count(status model.AgentStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, a := range r.agents {
		if a.Status == status {
			n++
		}
	}
	return n
}

// IDs 返回全部 Agent ID
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) notifyLocked(a *model.Agent) {
	_, connected := r.channels[a.ID]
	view := a.View(connected)
	for _, o := range r.observers {
		o.OnAgentChanged(view)
	}
}
