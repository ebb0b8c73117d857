// Package server 提供 HTTP / WebSocket 接入层
//
// 本包实现编排器的对外接口，包括：
//   - 任务管理（Task）接口
//   - Agent 生命周期接口
//   - 工作空间池接口
//   - 观察端 WebSocket（全量快照 + 按任务增量流）
//   - Worker WebSocket（双工任务通道）
//
// 文件组织：
//   - server.go: 通用工具函数、Server 定义与路由
//   - tasks.go: 任务相关接口
//   - agents.go: Agent 相关接口
//   - workspaces.go: 工作空间相关接口
//   - ws_observer.go: 观察端 WebSocket
//   - ws_worker.go: Worker WebSocket
package server

import (
	"encoding/json"
	"net/http"

	"agent-orchestrator/internal/orchestrator/agent"
	"agent-orchestrator/internal/orchestrator/auth"
	"agent-orchestrator/internal/orchestrator/dispatcher"
	"agent-orchestrator/internal/orchestrator/hub"
	"agent-orchestrator/internal/orchestrator/metrics"
	"agent-orchestrator/internal/orchestrator/supervisor"
	"agent-orchestrator/internal/orchestrator/task"
	"agent-orchestrator/internal/orchestrator/workspace"
)

// Server 接入层
//
// Server 是所有对外接口的入口，负责：
//   - 路由请求到对应的处理函数
//   - WebSocket 连接的升级与生命周期管理
//   - 把线上消息翻译为对编排组件的调用
type Server struct {
	tasks   *task.Store
	agents  *agent.Registry
	pool    *workspace.Pool
	disp    *dispatcher.Dispatcher
	sup     *supervisor.Supervisor
	hub     *hub.Hub
	metrics *metrics.Metrics
	auth    auth.Config

	workerConfigDir string // create_agent 按文件名在此目录解析配置
	defaultConfig   string // 未指定配置时使用的文件名
}

// Deps Server 的依赖集合
type Deps struct {
	Tasks      *task.Store
	Agents     *agent.Registry
	Pool       *workspace.Pool
	Dispatcher *dispatcher.Dispatcher
	Supervisor *supervisor.Supervisor
	Hub        *hub.Hub
	Metrics    *metrics.Metrics
	Auth       auth.Config

	WorkerConfigDir string
	DefaultConfig   string
}

// New 创建 Server 实例
func New(d Deps) *Server {
	return &Server{
		tasks:           d.Tasks,
		agents:          d.Agents,
		pool:            d.Pool,
		disp:            d.Dispatcher,
		sup:             d.Supervisor,
		hub:             d.Hub,
		metrics:         d.Metrics,
		auth:            d.Auth,
		workerConfigDir: d.WorkerConfigDir,
		defaultConfig:   d.DefaultConfig,
	}
}

// Routes 构建完整路由
//
// REST 接口统一挂在认证中间件之后；观察端 WebSocket 同样走认证
// （升级请求用 ?token= 传递令牌）。Worker WebSocket 不走观察端认证：
// Worker 进程由本机监督器拉起，回连地址由编排器下发。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// 任务接口
	mux.HandleFunc("GET /api/v1/tasks", s.ListTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.GetTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.DeleteTask)

	// Agent 接口
	mux.HandleFunc("GET /api/v1/agents", s.ListAgents)
	mux.HandleFunc("POST /api/v1/agents", s.CreateAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/start", s.StartAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/stop", s.StopAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.TerminateAgent)

	// 工作空间接口
	mux.HandleFunc("GET /api/v1/workspaces", s.ListWorkspaces)
	mux.HandleFunc("POST /api/v1/workspaces", s.CreateWorkspace)
	mux.HandleFunc("PUT /api/v1/workspaces/count", s.ResizeWorkspaces)
	mux.HandleFunc("DELETE /api/v1/workspaces/{id}", s.DeleteWorkspace)

	// 分配模式接口
	mux.HandleFunc("GET /api/v1/assignment-mode", s.GetAssignmentMode)
	mux.HandleFunc("PUT /api/v1/assignment-mode", s.SetAssignmentMode)

	// Worker 配置目录
	mux.HandleFunc("GET /api/v1/worker-configs", s.ListWorkerConfigs)

	// 顶层路由：健康检查、指标与 WebSocket 不经过认证包装
	// （观察端 WebSocket 单独套认证中间件）
	top := http.NewServeMux()
	top.HandleFunc("GET /health", s.Health)
	top.Handle("GET /metrics", metrics.Handler())
	top.Handle("GET /ws/ui", auth.Middleware(s.auth, http.HandlerFunc(s.HandleObserverWS)))
	top.HandleFunc("GET /ws/agent/{id}", s.HandleWorkerWS)
	top.Handle("/", auth.Middleware(s.auth, mux))

	return corsMiddleware(top)
}

// corsMiddleware 跨域中间件
//
// 允许所有来源（生产环境应按部署拓扑收紧）。
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 返回 {"status": "ok"} 表示服务正常运行。
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
