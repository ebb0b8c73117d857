// Package task 任务存储
//
// 负责任务集合的独占持有与生命周期管理：
//   - 状态机约束（非法转换记日志并拒绝，不抛错）
//   - 历史累积（description 与各次输出以分隔符拼接）
//   - 持久化（每次变更操作整体重写扁平文档）
//   - 变更事件发射（观察者在变更发生的调用点收到通知）
//
// 设计理念：
//   - 任务对象只能通过本包操作变更，外部拿到的都是副本/视图
//   - 观察者回调在持锁状态下按发生顺序调用，回调内不得同步
//     调用回本存储（EventHub 的全量广播走异步合并通道）
package task

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"agent-orchestrator/internal/shared/model"
	"agent-orchestrator/internal/shared/storage"

	"github.com/google/uuid"
)

// Observer 任务事件观察者
//
// 回调在存储锁内按事件发生顺序调用：实现必须快速返回，
// 且不得同步调用回 Store 的任何方法。
type Observer interface {
	// OnTaskChanged 状态性变更：创建、删除、状态转换、指派变化
	OnTaskChanged(view model.TaskView)

	// OnTaskProgress 历史增量，按追加顺序逐条触发
	OnTaskProgress(taskID, token string)

	// OnTaskTerminal 任务到达终态或被删除（订阅应在此清空）
	OnTaskTerminal(taskID string)
}

// Store 任务存储
type Store struct {
	mu        sync.Mutex
	tasks     map[string]*model.Task
	durable   storage.Store
	observers []Observer
}

// NewStore 创建任务存储
func NewStore(durable storage.Store) *Store {
	return &Store{
		tasks:   make(map[string]*model.Task),
		durable: durable,
	}
}

// AddObserver 注册观察者（启动期一次性注册，不支持运行期移除）
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Load 从持久化介质加载任务集合
//
// 崩溃恢复：上次落盘时仍为 running 的任务没有存活的执行者，
// 一律回退为 incomplete。状态非法的记录跳过并告警。
func (s *Store) Load(ctx context.Context) error {
	records, err := s.durable.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, rec := range records {
		state := model.TaskState(rec.State)
		switch {
		case state == model.TaskStateRunning:
			log.Printf("[TaskStore] 崩溃恢复: task=%s running -> incomplete", id)
			state = model.TaskStateIncomplete
		case state == model.TaskStateTerminating:
			log.Printf("[TaskStore] 跳过删除中的任务记录: task=%s", id)
			continue
		case !state.Valid():
			log.Printf("[TaskStore] 跳过状态非法的任务记录: task=%s state=%q", id, rec.State)
			continue
		}

		s.tasks[id] = &model.Task{
			ID:          id,
			Description: rec.Description,
			History:     rec.History,
			State:       state,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	log.Printf("[TaskStore] 加载完成: count=%d", len(s.tasks))
	return nil
}

// Create 创建任务，初始状态 incomplete
func (s *Store) Create(ctx context.Context, description string) model.TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := model.NewTask(uuid.NewString(), description)
	s.tasks[t.ID] = t

	log.Printf("[TaskStore] 创建任务: task=%s", t.ID)
	s.persistLocked(ctx)
	s.notifyChangedLocked(t)
	return t.View()
}

// Get 获取任务副本
func (s *Store) Get(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *t, true
}

// History 获取任务的完整历史
func (s *Store) History(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return t.History, true
}

// Views 返回全部任务的快照视图
func (s *Store) Views() map[string]model.TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]model.TaskView, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t.View()
	}
	return out
}

// FirstIncomplete 返回最早创建的未认领 incomplete 任务 ID（无则为空串）
//
// 先到先得：分配顺序按创建时间，同一时刻按 ID 保证确定性。
func (s *Store) FirstIncomplete() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		oldest   string
		earliest time.Time
	)
	for id, t := range s.tasks {
		if t.State != model.TaskStateIncomplete || t.AssignedAgentID != nil {
			continue
		}
		if oldest == "" || t.CreatedAt.Before(earliest) ||
			(t.CreatedAt.Equal(earliest) && id < oldest) {
			oldest, earliest = id, t.CreatedAt
		}
	}
	return oldest
}

// AssignedTo 返回指派给指定 Agent 的任务 ID（无则为空串）
func (s *Store) AssignedTo(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		if t.AssignedAgentID != nil && *t.AssignedAgentID == agentID {
			return id
		}
	}
	return ""
}

// SetState 执行状态转换
//
// 非法转换记日志并返回 false，不改变任何状态。
// 到达终态时触发 OnTaskTerminal（订阅清空）。
func (s *Store) SetState(ctx context.Context, id string, next model.TaskState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		log.Printf("[TaskStore] 状态转换失败: task=%s 不存在", id)
		return false
	}
	if !t.State.CanTransition(next) {
		log.Printf("[TaskStore] 拒绝非法状态转换: task=%s %s -> %s", id, t.State, next)
		return false
	}

	log.Printf("[TaskStore] 状态转换: task=%s %s -> %s", id, t.State, next)
	t.State = next
	t.Touch()

	s.persistLocked(ctx)
	s.notifyChangedLocked(t)
	if next.Terminal() {
		s.notifyTerminalLocked(id)
	}
	return true
}

// SetAssigned 更新任务的指派 Agent（nil 表示清除指派）
//
// 指派关系是运行时状态，不落盘。
func (s *Store) SetAssigned(id string, agentID *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.AssignedAgentID = agentID
	t.Touch()
	s.notifyChangedLocked(t)
	return true
}

// SetResult 记录任务的终态结果文本
func (s *Store) SetResult(id string, result string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.Result = &result
	t.Touch()
	return true
}

// AppendHistory 向任务历史追加增量文本
//
// 观察者按追加顺序收到 OnTaskProgress。
func (s *Store) AppendHistory(ctx context.Context, id string, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.History += token
	t.Touch()

	s.persistLocked(ctx)
	for _, o := range s.observers {
		o.OnTaskProgress(id, token)
	}
	return true
}

// StartSegment 确保历史以分段符结尾，为新一次执行开启输出段
//
// 任务首次分配时历史本就以分段符结尾，此时为 no-op；
// 重新执行时在上次输出后补一个分段符。
func (s *Store) StartSegment(ctx context.Context, id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	needSep := ok && !strings.HasSuffix(t.History, model.HistorySeparator)
	s.mu.Unlock()

	if !ok {
		return false
	}
	if needSep {
		return s.AppendHistory(ctx, id, model.HistorySeparator)
	}
	return true
}

// Delete 删除任务
//
// 删除必须经过 terminating：能转换到 terminating 的状态直接强制进入并移除记录；
// 已在 terminating 的任务视为删除进行中，返回 false。
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		log.Printf("[TaskStore] 删除失败: task=%s 不存在", id)
		return false
	}
	if !t.State.CanTransition(model.TaskStateTerminating) {
		log.Printf("[TaskStore] 拒绝删除: task=%s state=%s", id, t.State)
		return false
	}

	t.State = model.TaskStateTerminating
	delete(s.tasks, id)
	log.Printf("[TaskStore] 删除任务: task=%s", id)

	s.persistLocked(ctx)
	s.notifyTerminalLocked(id)
	s.notifyChangedLocked(t)
	return true
}

// Count 返回指定状态的任务数量
func (s *Store) Count(state model.TaskState) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.State == state {
			n++
		}
	}
	return n
}

// persistLocked 整体重写持久化文档（须持锁）
//
// 持久化失败只告警不回滚：内存状态是权威，落盘是尽力而为。
func (s *Store) persistLocked(ctx context.Context) {
	records := make(map[string]storage.TaskRecord, len(s.tasks))
	for id, t := range s.tasks {
		records[id] = storage.TaskRecord{
			Description: t.Description,
			History:     t.History,
			State:       string(t.State),
		}
	}
	if err := s.durable.Save(ctx, records); err != nil {
		log.Printf("[TaskStore] 持久化失败: err=%v", err)
	}
}

func (s *Store) notifyChangedLocked(t *model.Task) {
	view := t.View()
	for _, o := range s.observers {
		o.OnTaskChanged(view)
	}
}

func (s *Store) notifyTerminalLocked(id string) {
	for _, o := range s.observers {
		o.OnTaskTerminal(id)
	}
}
