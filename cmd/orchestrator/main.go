// Package main 编排器入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/orchestrator/agent"
	"agent-orchestrator/internal/orchestrator/auth"
	"agent-orchestrator/internal/orchestrator/dispatcher"
	"agent-orchestrator/internal/orchestrator/hub"
	"agent-orchestrator/internal/orchestrator/metrics"
	"agent-orchestrator/internal/orchestrator/server"
	"agent-orchestrator/internal/orchestrator/supervisor"
	"agent-orchestrator/internal/orchestrator/task"
	"agent-orchestrator/internal/orchestrator/workspace"
	"agent-orchestrator/internal/shared/storage"
	"agent-orchestrator/internal/shared/storage/sqlite"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换 YAML 配置）
	cfg := config.Load()

	log.Printf("Starting orchestrator... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 任务持久化（yaml 文件 / sqlite）
	durable, err := newStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to open task storage: %v", err)
	}
	defer durable.Close()

	// 核心组件
	tasks := task.NewStore(durable)
	agents := agent.NewRegistry(cfg.Worker.WorkdirBase)

	pool, err := workspace.NewPool(cfg.Workspace.Root)
	if err != nil {
		log.Fatalf("Failed to initialize workspace pool: %v", err)
	}
	if n := cfg.Workspace.InitialCount; n > 0 && pool.Count() < n {
		if !pool.Resize(n) {
			log.Fatalf("Failed to grow workspace pool to %d", n)
		}
	}

	disp := dispatcher.New(tasks, agents, pool)
	sup := supervisor.New(agents, cfg.ServerURL, cfg.Worker.GracePeriod)
	sup.RegisterKind(supervisor.KindProcess, supervisor.ProcessCommand(cfg.Worker.Binary))

	// 指标与事件中心
	m := metrics.New("orchestrator")
	eventHub := hub.New(tasks, agents, disp)
	eventHub.SetMetrics(m)
	tasks.AddObserver(eventHub)
	agents.AddObserver(eventHub)
	disp.SetModeListener(eventHub.OnModeChanged)
	disp.SetMetrics(m)
	sup.SetMetrics(m)

	// busy Agent 崩溃时的任务回收
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.SetFailureHandler(func(agentID string) {
		disp.HandleAgentFailure(ctx, agentID)
	})

	// 崩溃恢复：上次落盘的 running 任务回 incomplete
	if err := tasks.Load(ctx); err != nil {
		log.Fatalf("Failed to load tasks: %v", err)
	}
	m.SetWorkspaces(pool.Stats())

	go eventHub.Run(ctx)

	s := server.New(server.Deps{
		Tasks:      tasks,
		Agents:     agents,
		Pool:       pool,
		Dispatcher: disp,
		Supervisor: sup,
		Hub:        eventHub,
		Metrics:    m,
		Auth: auth.Config{
			Key:      cfg.AuthKey,
			TokenTTL: auth.DefaultTokenTTL,
		},
		WorkerConfigDir: cfg.Worker.ConfigDir,
		DefaultConfig:   cfg.Worker.DefaultConfig,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     s.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// 优雅关闭：先停 HTTP，再终结全部 Worker 进程
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down orchestrator...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		sup.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Printf("Orchestrator listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Orchestrator stopped")
}

// newStorage 根据配置选择任务持久化驱动
func newStorage(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return sqlite.New(cfg.Storage.Path)
	case "yaml", "":
		return storage.NewYAMLStore(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("未知的存储驱动 %q", cfg.Storage.Driver)
	}
}
