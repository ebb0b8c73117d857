// Package supervisor Worker 进程监督器
//
// 负责 Worker 进程的整个生命周期：
//   - 启动：按 Agent 的 kind 标签从启动器注册表解析命令并拉起进程
//   - 输出：每条标准流一个读取协程，经有界通道汇入日志消费者
//   - 退出监测：驱动 AgentRegistry 状态转换，busy 退出时触发恢复回调
//   - 停止：统一的 SIGTERM → 限时等待 → SIGKILL 两阶段协议
//
// 进程句柄由本包独占持有，注册表只保存可序列化状态。
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"agent-orchestrator/internal/orchestrator/agent"
	"agent-orchestrator/internal/orchestrator/metrics"
	"agent-orchestrator/internal/shared/model"

	"github.com/containerd/errdefs"
)

// 输出通道缓冲大小：Worker 输出突发时读取协程不被日志消费者拖住
const outputBuffer = 256

// KindProcess 默认的进程型 Worker 类型标签
const KindProcess = "process"

// DefaultGracePeriod SIGTERM 后的默认等待时长，超时转 SIGKILL
const DefaultGracePeriod = 5 * time.Second

// LaunchFunc 按 Agent 记录构造 Worker 进程命令
//
// 返回的命令尚未启动；工作目录、参数由启动器自行设置。
type LaunchFunc func(a model.Agent, serverURL string) *exec.Cmd

// Supervisor Worker 进程监督器
type Supervisor struct {
	mu        sync.Mutex
	registry  *agent.Registry
	procs     map[string]*process
	kinds     map[string]LaunchFunc
	serverURL string
	grace     time.Duration
	metrics   *metrics.Metrics

	// onFailure busy Agent 进程意外退出时的恢复回调（由 Dispatcher 注入）
	onFailure func(agentID string)
}

// process 单个 Worker 进程的运行时记录
type process struct {
	cmd  *exec.Cmd
	done chan struct{} // 退出监测协程观察到退出后关闭
}

// New 创建监督器
func New(registry *agent.Registry, serverURL string, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Supervisor{
		registry:  registry,
		procs:     make(map[string]*process),
		kinds:     make(map[string]LaunchFunc),
		serverURL: serverURL,
		grace:     grace,
	}
}

// RegisterKind 注册 Worker 类型启动器（启动期调用）
//
// kind 标签在配置中引用，未注册的标签启动时报错。
func (s *Supervisor) RegisterKind(kind string, fn LaunchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[kind] = fn
}

// SetMetrics 注入指标实例（启动期调用）
func (s *Supervisor) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// SetFailureHandler 注入 busy Agent 崩溃时的恢复回调（启动期调用）
func (s *Supervisor) SetFailureHandler(fn func(agentID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

// ProcessCommand 默认的进程型 Worker 启动器
//
// 以 workerBin --agent-id … --server-url … --config-path … 启动，
// 工作目录为 Agent 的专属目录。
func ProcessCommand(workerBin string) LaunchFunc {
	return func(a model.Agent, serverURL string) *exec.Cmd {
		cmd := exec.Command(workerBin,
			"--agent-id", a.ID,
			"--server-url", serverURL,
			"--config-path", a.ConfigPath,
		)
		cmd.Dir = a.WorkDir
		return cmd
	}
}

// Start 启动 Agent 的 Worker 进程
//
// Agent 必须处于可进入 starting 的状态（created/stopped/error）。
// 启动失败时 Agent 进入 error。
func (s *Supervisor) Start(agentID string) error {
	a, ok := s.registry.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, errdefs.ErrNotFound)
	}

	s.mu.Lock()
	if _, running := s.procs[agentID]; running {
		s.mu.Unlock()
		return fmt.Errorf("agent %s 进程已在运行: %w", agentID, errdefs.ErrConflict)
	}
	launch, ok := s.kinds[a.Kind]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("未注册的 Worker 类型 %q: %w", a.Kind, errdefs.ErrInvalidArgument)
	}

	if !s.registry.SetStatus(agentID, model.AgentStatusStarting) {
		return fmt.Errorf("agent %s 当前状态不允许启动: %w", agentID, errdefs.ErrConflict)
	}

	cmd := launch(a, s.serverURL)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.registry.SetStatus(agentID, model.AgentStatusError)
		return fmt.Errorf("建立 stdout 管道失败: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.registry.SetStatus(agentID, model.AgentStatusError)
		return fmt.Errorf("建立 stderr 管道失败: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.registry.SetStatus(agentID, model.AgentStatusError)
		return fmt.Errorf("启动 Worker 进程失败: %w", err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.procs[agentID] = p
	s.mu.Unlock()

	s.registry.SetPID(agentID, cmd.Process.Pid)
	log.Printf("[Supervisor] 进程启动: agent=%s pid=%d", agentID, cmd.Process.Pid)

	// 每条标准流一个读取协程，汇入有界通道，单个消费者写日志
	lines := make(chan string, outputBuffer)
	var readers sync.WaitGroup
	readers.Add(2)
	go pumpStream(&readers, lines, "stdout", stdout)
	go pumpStream(&readers, lines, "stderr", stderr)
	go func() {
		readers.Wait()
		close(lines)
	}()
	go func() {
		for line := range lines {
			log.Printf("[Supervisor] agent=%s %s", agentID, line)
		}
	}()

	go s.waitExit(agentID, p)
	return nil
}

// RequestStop 请求优雅停止 Agent 的 Worker 进程
//
// 发送 SIGTERM 后由退出监测完成 stopping → stopped 的转换。
func (s *Supervisor) RequestStop(agentID string) error {
	s.mu.Lock()
	p, running := s.procs[agentID]
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("agent %s 没有运行中的进程: %w", agentID, errdefs.ErrNotFound)
	}

	if !s.registry.SetStatus(agentID, model.AgentStatusStopping) {
		return fmt.Errorf("agent %s 当前状态不允许停止: %w", agentID, errdefs.ErrConflict)
	}

	log.Printf("[Supervisor] 发送 SIGTERM: agent=%s pid=%d", agentID, p.cmd.Process.Pid)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// 进程可能恰好已退出，由退出监测收尾
		log.Printf("[Supervisor] SIGTERM 发送失败: agent=%s err=%v", agentID, err)
	}
	return nil
}

// Terminate 终结 Agent：两阶段停止进程、清理工作目录、移除注册表记录
//
// 进程存活时 SIGTERM → 限时等待 → SIGKILL；记录的移除由退出监测完成。
// 没有进程的 Agent 直接清理并移除。
func (s *Supervisor) Terminate(ctx context.Context, agentID string) error {
	a, ok := s.registry.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, errdefs.ErrNotFound)
	}

	if !s.registry.SetStatus(agentID, model.AgentStatusTerminating) {
		return fmt.Errorf("agent %s 正在终结中: %w", agentID, errdefs.ErrConflict)
	}

	s.mu.Lock()
	p, running := s.procs[agentID]
	s.mu.Unlock()

	if !running {
		s.cleanupWorkdir(agentID, a.WorkDir)
		s.registry.Remove(agentID)
		return nil
	}

	log.Printf("[Supervisor] 终结进程: agent=%s pid=%d", agentID, p.cmd.Process.Pid)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("[Supervisor] SIGTERM 发送失败: agent=%s err=%v", agentID, err)
	}

	select {
	case <-p.done:
		log.Printf("[Supervisor] 进程优雅退出: agent=%s", agentID)
	case <-time.After(s.grace):
		log.Printf("[Supervisor] 优雅退出超时，发送 SIGKILL: agent=%s", agentID)
		p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		p.cmd.Process.Kill()
		return ctx.Err()
	}
	return nil
}

// Shutdown 终结全部存活进程（服务退出时调用）
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			if err := s.Terminate(ctx, agentID); err != nil {
				log.Printf("[Supervisor] 关闭时终结失败: agent=%s err=%v", agentID, err)
			}
		}(id)
	}
	wg.Wait()
}

// Running 判断 Agent 是否有存活进程
func (s *Supervisor) Running(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[agentID]
	return ok
}

// waitExit 退出监测
//
// 状态决策：
//   - terminating：清理工作目录并移除记录
//   - busy：无论退出码一律视为崩溃，error + 恢复回调
//   - stopping 或退出码 0：stopped
//   - 其他：error
func (s *Supervisor) waitExit(agentID string, p *process) {
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}
	log.Printf("[Supervisor] 进程退出: agent=%s code=%d", agentID, exitCode)

	s.mu.Lock()
	delete(s.procs, agentID)
	onFailure := s.onFailure
	m := s.metrics
	s.mu.Unlock()
	close(p.done)

	s.registry.SetPID(agentID, 0)

	status, ok := s.registry.Status(agentID)
	if !ok {
		return
	}

	switch {
	case status == model.AgentStatusTerminating:
		if m != nil {
			m.RecordWorkerExit("terminated")
		}
		if a, exists := s.registry.Get(agentID); exists {
			s.cleanupWorkdir(agentID, a.WorkDir)
		}
		s.registry.Remove(agentID)

	case status == model.AgentStatusBusy:
		// busy 的进程退出即任务执行者消失，退出码 0 也是崩溃
		if m != nil {
			m.RecordWorkerExit("error")
		}
		s.registry.SetStatus(agentID, model.AgentStatusError)
		if onFailure != nil {
			onFailure(agentID)
		}

	case status == model.AgentStatusStopping || exitCode == 0:
		if m != nil {
			m.RecordWorkerExit("stopped")
		}
		s.registry.SetStatus(agentID, model.AgentStatusStopped)

	default:
		if m != nil {
			m.RecordWorkerExit("error")
		}
		s.registry.SetStatus(agentID, model.AgentStatusError)
	}
}

func (s *Supervisor) cleanupWorkdir(agentID, workdir string) {
	if workdir == "" {
		return
	}
	if err := os.RemoveAll(workdir); err != nil {
		log.Printf("[Supervisor] 清理工作目录失败: agent=%s dir=%s err=%v", agentID, workdir, err)
		return
	}
	log.Printf("[Supervisor] 清理工作目录: agent=%s dir=%s", agentID, workdir)
}
