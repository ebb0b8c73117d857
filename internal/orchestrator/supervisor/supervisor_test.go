package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"agent-orchestrator/internal/orchestrator/agent"
	"agent-orchestrator/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellKind 测试用启动器：以 sh -c 执行给定脚本
func shellKind(script string) LaunchFunc {
	return func(a model.Agent, serverURL string) *exec.Cmd {
		cmd := exec.Command("sh", "-c", script)
		cmd.Dir = a.WorkDir
		return cmd
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *agent.Registry) {
	t.Helper()
	registry := agent.NewRegistry(t.TempDir())
	s := New(registry, "ws://localhost:8080", time.Second)
	return s, registry
}

func createAgent(t *testing.T, r *agent.Registry, kind string) string {
	t.Helper()
	view, err := r.Create("cfg.yaml", kind)
	require.NoError(t, err)
	return view.ID
}

func waitStatus(t *testing.T, r *agent.Registry, id string, want model.AgentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, ok := r.Status(id)
		return ok && status == want
	}, 3*time.Second, 10*time.Millisecond, "等待状态 %s", want)
}

// TestSupervisor_CleanExitBecomesStopped 验证退出码 0 进入 stopped
func TestSupervisor_CleanExitBecomesStopped(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("exit 0"))

	id := createAgent(t, r, "test")
	require.NoError(t, s.Start(id))
	waitStatus(t, r, id, model.AgentStatusStopped)
}

// TestSupervisor_CrashBecomesError 验证非零退出进入 error
func TestSupervisor_CrashBecomesError(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("exit 3"))

	id := createAgent(t, r, "test")
	require.NoError(t, s.Start(id))
	waitStatus(t, r, id, model.AgentStatusError)
}

// TestSupervisor_BusyCrashTriggersRecovery 验证 busy Agent 崩溃触发恢复回调
func TestSupervisor_BusyCrashTriggersRecovery(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("sleep 0.3; exit 1"))

	var recovered atomic.Bool
	s.SetFailureHandler(func(agentID string) { recovered.Store(true) })

	id := createAgent(t, r, "test")
	require.NoError(t, s.Start(id))
	require.True(t, r.SetStatus(id, model.AgentStatusIdle))
	require.True(t, r.SetStatus(id, model.AgentStatusBusy))

	waitStatus(t, r, id, model.AgentStatusError)
	assert.True(t, recovered.Load(), "busy 崩溃应触发恢复回调")
}

// TestSupervisor_BusyCleanExitTriggersRecovery 验证 busy 进程退出码 0 同样视为崩溃
func TestSupervisor_BusyCleanExitTriggersRecovery(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("sleep 0.3; exit 0"))

	var recovered atomic.Bool
	s.SetFailureHandler(func(agentID string) { recovered.Store(true) })

	id := createAgent(t, r, "test")
	require.NoError(t, s.Start(id))
	require.True(t, r.SetStatus(id, model.AgentStatusIdle))
	require.True(t, r.SetStatus(id, model.AgentStatusBusy))

	// 执行者消失即崩溃，不看退出码
	waitStatus(t, r, id, model.AgentStatusError)
	assert.True(t, recovered.Load(), "busy 进程退出应触发恢复回调")
}

// TestSupervisor_IdleCrashNoRecovery 验证非 busy 崩溃不触发恢复回调
func TestSupervisor_IdleCrashNoRecovery(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("sleep 0.3; exit 1"))

	var recovered atomic.Bool
	s.SetFailureHandler(func(agentID string) { recovered.Store(true) })

	id := createAgent(t, r, "test")
	require.NoError(t, s.Start(id))
	require.True(t, r.SetStatus(id, model.AgentStatusIdle))

	waitStatus(t, r, id, model.AgentStatusError)
	assert.False(t, recovered.Load())
}

// TestSupervisor_RequestStop 验证优雅停止进入 stopped
func TestSupervisor_RequestStop(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("sleep 30"))

	id := createAgent(t, r, "test")
	require.NoError(t, s.Start(id))
	require.True(t, r.SetStatus(id, model.AgentStatusIdle))

	require.NoError(t, s.RequestStop(id))
	waitStatus(t, r, id, model.AgentStatusStopped)
	assert.False(t, s.Running(id))
}

// TestSupervisor_Terminate 验证终结流程移除记录并清理工作目录
func TestSupervisor_Terminate(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("sleep 30"))

	id := createAgent(t, r, "test")
	a, ok := r.Get(id)
	require.True(t, ok)

	require.NoError(t, s.Start(id))
	require.NoError(t, s.Terminate(context.Background(), id))

	require.Eventually(t, func() bool {
		_, exists := r.Get(id)
		return !exists
	}, 3*time.Second, 10*time.Millisecond)

	_, err := os.Stat(a.WorkDir)
	assert.True(t, os.IsNotExist(err), "工作目录应被清理")
}

// TestSupervisor_TerminateWithoutProcess 验证无进程的 Agent 直接移除
func TestSupervisor_TerminateWithoutProcess(t *testing.T) {
	s, r := newTestSupervisor(t)

	id := createAgent(t, r, "test")
	a, _ := r.Get(id)

	require.NoError(t, s.Terminate(context.Background(), id))

	_, exists := r.Get(id)
	assert.False(t, exists)
	_, err := os.Stat(a.WorkDir)
	assert.True(t, os.IsNotExist(err))
}

// TestSupervisor_StartErrors 验证启动错误路径
func TestSupervisor_StartErrors(t *testing.T) {
	s, r := newTestSupervisor(t)

	// 未知 Agent
	assert.Error(t, s.Start("missing"))

	// 未注册的 kind
	id := createAgent(t, r, "unknown-kind")
	assert.Error(t, s.Start(id))
	status, _ := r.Status(id)
	assert.Equal(t, model.AgentStatusCreated, status, "kind 解析失败不应改变状态")
}

// TestSupervisor_RestartAfterStop 验证 stopped Agent 可重新启动
func TestSupervisor_RestartAfterStop(t *testing.T) {
	s, r := newTestSupervisor(t)
	s.RegisterKind("test", shellKind("exit 0"))

	id := createAgent(t, r, "test")
	require.NoError(t, s.Start(id))
	waitStatus(t, r, id, model.AgentStatusStopped)

	require.NoError(t, s.Start(id))
	waitStatus(t, r, id, model.AgentStatusStopped)
}
