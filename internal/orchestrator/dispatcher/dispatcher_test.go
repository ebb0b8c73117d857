package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"agent-orchestrator/internal/orchestrator/agent"
	"agent-orchestrator/internal/orchestrator/task"
	"agent-orchestrator/internal/orchestrator/workspace"
	"agent-orchestrator/internal/shared/model"
	"agent-orchestrator/internal/shared/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel 测试用双工连接
type fakeChannel struct {
	sent    []model.WorkerMessage
	sendErr error
}

func (f *fakeChannel) Send(msg model.WorkerMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

type fixture struct {
	d      *Dispatcher
	tasks  *task.Store
	agents *agent.Registry
	pool   *workspace.Pool
}

func newFixture(t *testing.T, workspaceCount int) *fixture {
	t.Helper()

	durable, err := storage.NewYAMLStore(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)
	tasks := task.NewStore(durable)

	agents := agent.NewRegistry(t.TempDir())

	pool, err := workspace.NewPool(t.TempDir())
	require.NoError(t, err)
	require.True(t, pool.Resize(workspaceCount))

	return &fixture{
		d:      New(tasks, agents, pool),
		tasks:  tasks,
		agents: agents,
		pool:   pool,
	}
}

// idleAgent 创建一个有存活连接的 idle Agent
func (f *fixture) idleAgent(t *testing.T, ch agent.Channel) string {
	t.Helper()
	view, err := f.agents.Create("cfg.yaml", "process")
	require.NoError(t, err)
	require.True(t, f.agents.SetStatus(view.ID, model.AgentStatusStarting))
	require.True(t, f.agents.SetStatus(view.ID, model.AgentStatusIdle))
	require.True(t, f.agents.AttachChannel(view.ID, ch))
	return view.ID
}

func (f *fixture) occupiedCount() int {
	n := 0
	for _, ws := range f.pool.List() {
		if ws.Occupied() {
			n++
		}
	}
	return n
}

// TestAssignTaskToAgent 验证交接协议的成功路径
func TestAssignTaskToAgent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	taskView := f.tasks.Create(ctx, "修复登录问题")

	require.True(t, f.d.AssignTaskToAgent(ctx, taskView.ID, agentID))

	// 三方状态成组更新
	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusBusy, status)

	got, _ := f.tasks.Get(taskView.ID)
	assert.Equal(t, model.TaskStateRunning, got.State)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, agentID, *got.AssignedAgentID)

	assert.Equal(t, 1, f.occupiedCount())

	// 任务已下发
	require.Len(t, ch.sent, 1)
	assert.Equal(t, model.MsgAssignTask, ch.sent[0].Type)
}

// TestAssignTaskToAgent_Preconditions 验证前置校验失败无副作用
func TestAssignTaskToAgent_Preconditions(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	taskView := f.tasks.Create(ctx, "任务")

	// 任务不是 incomplete
	require.True(t, f.tasks.SetState(ctx, taskView.ID, model.TaskStateRunning))
	assert.False(t, f.d.AssignTaskToAgent(ctx, taskView.ID, agentID))
	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusIdle, status)
	assert.Zero(t, f.occupiedCount())

	// Agent 不是 idle
	require.True(t, f.tasks.SetState(ctx, taskView.ID, model.TaskStateIncomplete))
	require.True(t, f.agents.SetStatus(agentID, model.AgentStatusStopping))
	assert.False(t, f.d.AssignTaskToAgent(ctx, taskView.ID, agentID))
	got, _ := f.tasks.Get(taskView.ID)
	assert.Equal(t, model.TaskStateIncomplete, got.State)

	// 未知任务 / 未知 Agent
	assert.False(t, f.d.AssignTaskToAgent(ctx, "missing", agentID))
	assert.False(t, f.d.AssignTaskToAgent(ctx, taskView.ID, "missing"))
}

// TestAssignTaskToAgent_NoChannel 验证无存活连接的 idle Agent 不可配对
func TestAssignTaskToAgent_NoChannel(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	view, err := f.agents.Create("cfg.yaml", "process")
	require.NoError(t, err)
	require.True(t, f.agents.SetStatus(view.ID, model.AgentStatusStarting))
	require.True(t, f.agents.SetStatus(view.ID, model.AgentStatusIdle))

	taskView := f.tasks.Create(ctx, "任务")
	assert.False(t, f.d.AssignTaskToAgent(ctx, taskView.ID, view.ID))
}

// TestAssignTaskToAgent_WorkspaceExhausted 验证池满时的回滚
func TestAssignTaskToAgent_WorkspaceExhausted(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	taskView := f.tasks.Create(ctx, "任务")

	assert.False(t, f.d.AssignTaskToAgent(ctx, taskView.ID, agentID))

	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusIdle, status)
	got, _ := f.tasks.Get(taskView.ID)
	assert.Equal(t, model.TaskStateIncomplete, got.State)
	assert.Nil(t, got.AssignedAgentID)
	assert.Empty(t, ch.sent)
}

// TestAssignTaskToAgent_SendFailureRollback 验证下发失败的回滚
func TestAssignTaskToAgent_SendFailureRollback(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ch := &fakeChannel{sendErr: errors.New("连接已断开")}
	agentID := f.idleAgent(t, ch)
	taskView := f.tasks.Create(ctx, "任务")

	assert.False(t, f.d.AssignTaskToAgent(ctx, taskView.ID, agentID))

	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusIdle, status)
	got, _ := f.tasks.Get(taskView.ID)
	assert.Equal(t, model.TaskStateIncomplete, got.State)
	assert.Nil(t, got.AssignedAgentID)
	assert.Zero(t, f.occupiedCount(), "回滚后工作空间应被释放")
}

// TestAssignIfPossible_OneAgentManyTasks 验证单 Agent 多任务只分配一个
func TestAssignIfPossible_OneAgentManyTasks(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.tasks.Create(ctx, "任务一")
	f.tasks.Create(ctx, "任务二")
	f.tasks.Create(ctx, "任务三")

	ch := &fakeChannel{}
	f.idleAgent(t, ch)

	f.d.AssignIfPossible(ctx)

	assert.Equal(t, 1, f.tasks.Count(model.TaskStateRunning))
	assert.Equal(t, 2, f.tasks.Count(model.TaskStateIncomplete))
	assert.Len(t, ch.sent, 1)
}

// TestAssignIfPossible_ManualModeNoop 验证手动模式下自动分配为 no-op
func TestAssignIfPossible_ManualModeNoop(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.d.SetMode(ctx, model.ModeManual))

	f.tasks.Create(ctx, "任务")
	f.idleAgent(t, &fakeChannel{})

	f.d.AssignIfPossible(ctx)
	assert.Zero(t, f.tasks.Count(model.TaskStateRunning))
}

// TestManualAssign_RejectedInAutoMode 验证自动模式下手动配对被拒绝且无副作用
func TestManualAssign_RejectedInAutoMode(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)

	// 先切手动避免自动分配，创建后切回自动
	require.NoError(t, f.d.SetMode(ctx, model.ModeManual))
	taskView := f.tasks.Create(ctx, "任务")
	f.d.mu.Lock()
	f.d.mode = model.ModeAuto
	f.d.mu.Unlock()

	err := f.d.ManualAssign(ctx, taskView.ID, agentID)
	require.Error(t, err)

	got, _ := f.tasks.Get(taskView.ID)
	assert.Equal(t, model.TaskStateIncomplete, got.State)
	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusIdle, status)
	assert.Empty(t, ch.sent)
}

// TestManualAssign_InManualMode 验证手动模式下的显式配对
func TestManualAssign_InManualMode(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.d.SetMode(ctx, model.ModeManual))
	agentID := f.idleAgent(t, &fakeChannel{})
	taskView := f.tasks.Create(ctx, "任务")

	require.NoError(t, f.d.ManualAssign(ctx, taskView.ID, agentID))
	got, _ := f.tasks.Get(taskView.ID)
	assert.Equal(t, model.TaskStateRunning, got.State)
}

// TestHandleTaskResult 验证终态结果处理与再分配
func TestHandleTaskResult(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	t1 := f.tasks.Create(ctx, "任务一")
	t2 := f.tasks.Create(ctx, "任务二")

	f.d.AssignIfPossible(ctx)
	got1, _ := f.tasks.Get(t1.ID)
	require.Equal(t, model.TaskStateRunning, got1.State)

	f.d.HandleTaskResult(ctx, agentID, model.TaskResultPayload{
		TaskID: t1.ID,
		Status: model.ResultStatusCompleted,
		Result: "执行成功",
	})

	// 第一个任务完成，结果记录，工作空间释放后立刻被第二个任务占用
	got1, _ = f.tasks.Get(t1.ID)
	assert.Equal(t, model.TaskStateCompleted, got1.State)
	assert.Nil(t, got1.AssignedAgentID)
	require.NotNil(t, got1.Result)
	assert.Equal(t, "执行成功", *got1.Result)

	// 自动再分配接走第二个任务
	got2, _ := f.tasks.Get(t2.ID)
	assert.Equal(t, model.TaskStateRunning, got2.State)
	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusBusy, status)
}

// TestHandleTaskResult_Failed 验证失败结果回到 incomplete
func TestHandleTaskResult_Failed(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	tv := f.tasks.Create(ctx, "任务")

	f.d.AssignIfPossible(ctx)

	// 手动模式避免失败后立即重新分配
	f.d.mu.Lock()
	f.d.mode = model.ModeManual
	f.d.mu.Unlock()

	f.d.HandleTaskResult(ctx, agentID, model.TaskResultPayload{
		TaskID: tv.ID,
		Status: model.ResultStatusFailed,
	})

	got, _ := f.tasks.Get(tv.ID)
	assert.Equal(t, model.TaskStateIncomplete, got.State)
	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusIdle, status)
	assert.Zero(t, f.occupiedCount())
}

// TestHandleAgentFailure 验证崩溃恢复
//
// busy Agent 异常退出 ⇒ 任务回 incomplete、指派清除、工作空间释放。
func TestHandleAgentFailure(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	tv := f.tasks.Create(ctx, "任务")

	f.d.AssignIfPossible(ctx)
	require.Equal(t, 1, f.occupiedCount())

	// 模拟进程崩溃：注册表侧转 error 后触发恢复
	require.True(t, f.agents.SetStatus(agentID, model.AgentStatusError))
	f.d.HandleAgentFailure(ctx, agentID)

	got, _ := f.tasks.Get(tv.ID)
	assert.Equal(t, model.TaskStateIncomplete, got.State)
	assert.Nil(t, got.AssignedAgentID)
	assert.Zero(t, f.occupiedCount())
}

// TestHandleAgentFailure_ReassignsToIdleAgent 验证回收的任务立即被其他 idle Agent 接走
func TestHandleAgentFailure_ReassignsToIdleAgent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a1 := f.idleAgent(t, &fakeChannel{})
	tv := f.tasks.Create(ctx, "任务")
	require.True(t, f.d.AssignTaskToAgent(ctx, tv.ID, a1))

	ch2 := &fakeChannel{}
	a2 := f.idleAgent(t, ch2)

	// a1 崩溃：任务回收后无需等待下一次事件
	require.True(t, f.agents.SetStatus(a1, model.AgentStatusError))
	f.d.HandleAgentFailure(ctx, a1)

	got, _ := f.tasks.Get(tv.ID)
	require.Equal(t, model.TaskStateRunning, got.State)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, a2, *got.AssignedAgentID)
	require.Len(t, ch2.sent, 1)
}

// TestHandleTaskResult_StaleAgentIgnored 验证前执行者迟到的结果被忽略
//
// 崩溃恢复后任务已重新指派：原 Agent 的结果不得完成任务，
// 也不得改变任何一方的状态。
func TestHandleTaskResult_StaleAgentIgnored(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a1 := f.idleAgent(t, &fakeChannel{})
	tv := f.tasks.Create(ctx, "任务")
	require.True(t, f.d.AssignTaskToAgent(ctx, tv.ID, a1))

	// a1 崩溃，任务转给 a2
	a2 := f.idleAgent(t, &fakeChannel{})
	require.True(t, f.agents.SetStatus(a1, model.AgentStatusError))
	f.d.HandleAgentFailure(ctx, a1)

	got, _ := f.tasks.Get(tv.ID)
	require.Equal(t, model.TaskStateRunning, got.State)
	require.NotNil(t, got.AssignedAgentID)
	require.Equal(t, a2, *got.AssignedAgentID)

	f.d.HandleTaskResult(ctx, a1, model.TaskResultPayload{
		TaskID: tv.ID,
		Status: model.ResultStatusCompleted,
		Result: "过期结果",
	})

	got, _ = f.tasks.Get(tv.ID)
	assert.Equal(t, model.TaskStateRunning, got.State)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, a2, *got.AssignedAgentID)
	assert.Nil(t, got.Result)

	s1, _ := f.agents.Status(a1)
	assert.Equal(t, model.AgentStatusError, s1)
	s2, _ := f.agents.Status(a2)
	assert.Equal(t, model.AgentStatusBusy, s2)
	assert.Equal(t, 1, f.occupiedCount())
}

// TestReleaseTask 验证删除前的资源回收
func TestReleaseTask(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	tv := f.tasks.Create(ctx, "任务")

	f.d.AssignIfPossible(ctx)

	f.d.ReleaseTask(ctx, tv.ID)
	status, _ := f.agents.Status(agentID)
	assert.Equal(t, model.AgentStatusIdle, status)
	assert.Zero(t, f.occupiedCount())
}

// TestScenario_TwoWorkspacesThreeTasksOneAgent 验证规格化场景
//
// 2 个工作空间、3 个任务、1 个 Agent：恰好一个任务 running；
// 停掉 Agent 后任务回 incomplete 且工作空间释放。
func TestScenario_TwoWorkspacesThreeTasksOneAgent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.tasks.Create(ctx, "任务一")
	f.tasks.Create(ctx, "任务二")
	f.tasks.Create(ctx, "任务三")

	ch := &fakeChannel{}
	agentID := f.idleAgent(t, ch)
	f.d.AssignIfPossible(ctx)

	assert.Equal(t, 1, f.tasks.Count(model.TaskStateRunning))
	assert.Equal(t, 2, f.tasks.Count(model.TaskStateIncomplete))

	// Agent 停止（未返回结果）⇒ 恢复
	require.True(t, f.agents.SetStatus(agentID, model.AgentStatusStopping))
	f.d.HandleAgentFailure(ctx, agentID)

	assert.Zero(t, f.tasks.Count(model.TaskStateRunning))
	assert.Equal(t, 3, f.tasks.Count(model.TaskStateIncomplete))
	assert.Zero(t, f.occupiedCount())
}
