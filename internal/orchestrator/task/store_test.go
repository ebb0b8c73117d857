package task

import (
	"context"
	"path/filepath"
	"testing"

	"agent-orchestrator/internal/shared/model"
	"agent-orchestrator/internal/shared/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver 记录收到的事件，供断言使用
type recordingObserver struct {
	changed  []model.TaskView
	progress []string
	terminal []string
}

func (r *recordingObserver) OnTaskChanged(view model.TaskView) { r.changed = append(r.changed, view) }
func (r *recordingObserver) OnTaskProgress(taskID, token string) {
	r.progress = append(r.progress, token)
}
func (r *recordingObserver) OnTaskTerminal(taskID string) { r.terminal = append(r.terminal, taskID) }

func newTestStore(t *testing.T) (*Store, *recordingObserver) {
	t.Helper()
	durable, err := storage.NewYAMLStore(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)

	s := NewStore(durable)
	obs := &recordingObserver{}
	s.AddObserver(obs)
	return s, obs
}

// TestStore_CreateAndGet 验证创建与读取
func TestStore_CreateAndGet(t *testing.T) {
	s, obs := newTestStore(t)
	ctx := context.Background()

	view := s.Create(ctx, "修复登录问题")
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, model.TaskStateIncomplete, view.State)

	got, ok := s.Get(view.ID)
	require.True(t, ok)
	assert.Equal(t, "修复登录问题", got.Description)
	assert.Equal(t, "修复登录问题"+model.HistorySeparator, got.History)

	require.Len(t, obs.changed, 1)
	assert.Equal(t, view.ID, obs.changed[0].ID)
}

// TestStore_SetState 验证状态转换的执行与拒绝
func TestStore_SetState(t *testing.T) {
	s, obs := newTestStore(t)
	ctx := context.Background()

	view := s.Create(ctx, "任务")

	// incomplete -> completed 非法
	assert.False(t, s.SetState(ctx, view.ID, model.TaskStateCompleted))
	got, _ := s.Get(view.ID)
	assert.Equal(t, model.TaskStateIncomplete, got.State, "非法转换不应改变状态")

	// incomplete -> running -> completed 合法
	assert.True(t, s.SetState(ctx, view.ID, model.TaskStateRunning))
	assert.True(t, s.SetState(ctx, view.ID, model.TaskStateCompleted))

	// 到达终态时触发订阅清空
	assert.Equal(t, []string{view.ID}, obs.terminal)

	// 不存在的任务
	assert.False(t, s.SetState(ctx, "missing", model.TaskStateRunning))
}

// TestStore_AppendHistory 验证历史追加与增量事件顺序
func TestStore_AppendHistory(t *testing.T) {
	s, obs := newTestStore(t)
	ctx := context.Background()

	view := s.Create(ctx, "任务")
	assert.True(t, s.AppendHistory(ctx, view.ID, "第一段"))
	assert.True(t, s.AppendHistory(ctx, view.ID, "第二段"))
	assert.False(t, s.AppendHistory(ctx, "missing", "x"))

	history, ok := s.History(view.ID)
	require.True(t, ok)
	assert.Equal(t, "任务"+model.HistorySeparator+"第一段第二段", history)

	// 增量事件按追加顺序触发
	assert.Equal(t, []string{"第一段", "第二段"}, obs.progress)
}

// TestStore_Delete 验证删除强制经过 terminating
func TestStore_Delete(t *testing.T) {
	s, obs := newTestStore(t)
	ctx := context.Background()

	view := s.Create(ctx, "任务")
	assert.True(t, s.Delete(ctx, view.ID))

	_, ok := s.Get(view.ID)
	assert.False(t, ok)
	assert.Contains(t, obs.terminal, view.ID)

	// 重复删除
	assert.False(t, s.Delete(ctx, view.ID))
}

// TestStore_PersistAndLoad 验证持久化与重启加载
func TestStore_PersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	durable, err := storage.NewYAMLStore(filepath.Join(dir, "tasks.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	s := NewStore(durable)

	v1 := s.Create(ctx, "任务一")
	v2 := s.Create(ctx, "任务二")
	require.True(t, s.SetState(ctx, v1.ID, model.TaskStateRunning))
	require.True(t, s.AppendHistory(ctx, v2.ID, "部分输出"))

	// 新实例模拟重启
	durable2, err := storage.NewYAMLStore(filepath.Join(dir, "tasks.yaml"))
	require.NoError(t, err)
	s2 := NewStore(durable2)
	require.NoError(t, s2.Load(ctx))

	// 崩溃恢复：running 回退为 incomplete
	got1, ok := s2.Get(v1.ID)
	require.True(t, ok)
	assert.Equal(t, model.TaskStateIncomplete, got1.State)

	// 历史完整保留
	got2, ok := s2.Get(v2.ID)
	require.True(t, ok)
	assert.Equal(t, "任务二"+model.HistorySeparator+"部分输出", got2.History)
}

// TestStore_FirstIncomplete 验证未认领任务查找
func TestStore_FirstIncomplete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	assert.Empty(t, s.FirstIncomplete())

	view := s.Create(ctx, "任务")
	assert.Equal(t, view.ID, s.FirstIncomplete())

	// 已指派的任务不再被选中
	agentID := "agent-1"
	require.True(t, s.SetAssigned(view.ID, &agentID))
	require.True(t, s.SetState(ctx, view.ID, model.TaskStateRunning))
	assert.Empty(t, s.FirstIncomplete())
}

// TestStore_FirstIncompleteOldestFirst 验证未认领任务按创建时间先到先得
func TestStore_FirstIncompleteOldestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v1 := s.Create(ctx, "任务一")
	v2 := s.Create(ctx, "任务二")
	v3 := s.Create(ctx, "任务三")

	assert.Equal(t, v1.ID, s.FirstIncomplete())

	// 最早的被认领后轮到次早的
	agentID := "agent-1"
	require.True(t, s.SetAssigned(v1.ID, &agentID))
	assert.Equal(t, v2.ID, s.FirstIncomplete())

	require.True(t, s.SetState(ctx, v2.ID, model.TaskStateRunning))
	assert.Equal(t, v3.ID, s.FirstIncomplete())
}

// TestStore_SetAssignedAndResult 验证指派与结果记录
func TestStore_SetAssignedAndResult(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	view := s.Create(ctx, "任务")
	agentID := "agent-1"
	assert.True(t, s.SetAssigned(view.ID, &agentID))
	assert.True(t, s.SetResult(view.ID, "执行结果"))

	got, ok := s.Get(view.ID)
	require.True(t, ok)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, "agent-1", *got.AssignedAgentID)
	require.NotNil(t, got.Result)
	assert.Equal(t, "执行结果", *got.Result)

	assert.True(t, s.SetAssigned(view.ID, nil))
	got, _ = s.Get(view.ID)
	assert.Nil(t, got.AssignedAgentID)
}
