package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/errdefs"

	"agent-orchestrator/internal/orchestrator/supervisor"
	"agent-orchestrator/internal/shared/model"
)

// ListAgents 列出全部 Agent
//
// 路由: GET /api/v1/agents
func (s *Server) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.agents.Views(),
	})
}

// CreateAgent 创建 Agent
//
// 路由: POST /api/v1/agents
//
// 请求体: {"config": "default.yaml"}（可省略，使用默认配置）
//
// 配置按文件名在 Worker 配置目录中解析，不接受路径。
func (s *Server) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config string `json:"config"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	view, err := s.createAgent(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// StartAgent 启动 Agent 的 Worker 进程
//
// 路由: POST /api/v1/agents/{id}/start
func (s *Server) StartAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sup.Start(id); err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
}

// StopAgent 请求优雅停止 Agent 的 Worker 进程
//
// 路由: POST /api/v1/agents/{id}/stop
//
// busy Agent 被停止时其任务回 incomplete 并释放工作空间。
func (s *Server) StopAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.stopAgent(r.Context(), id); err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// TerminateAgent 终结 Agent
//
// 路由: DELETE /api/v1/agents/{id}
//
// 终结是异步的：接口立即返回，进程的两阶段停止、工作目录清理
// 与记录移除由监督器在后台完成。
func (s *Server) TerminateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.terminateAgent(r.Context(), id); err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminating"})
}

// ListWorkerConfigs 列出可用的 Worker 配置文件
//
// 路由: GET /api/v1/worker-configs
func (s *Server) ListWorkerConfigs(w http.ResponseWriter, r *http.Request) {
	items, err := os.ReadDir(s.workerConfigDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read config directory")
		return
	}

	configs := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		name := item.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			configs = append(configs, name)
		}
	}
	sort.Strings(configs)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configs": configs,
		"default": s.defaultConfig,
	})
}

// GetAssignmentMode 查询分配模式
//
// 路由: GET /api/v1/assignment-mode
func (s *Server) GetAssignmentMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]model.AssignmentMode{"mode": s.disp.Mode()})
}

// SetAssignmentMode 切换分配模式
//
// 路由: PUT /api/v1/assignment-mode
//
// 请求体: {"mode": "auto"} 或 {"mode": "manual"}
func (s *Server) SetAssignmentMode(w http.ResponseWriter, r *http.Request) {
	var req model.SetModePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.disp.SetMode(r.Context(), req.Mode); err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.AssignmentMode{"mode": req.Mode})
}

// ============================================================================
// REST 与观察端命令共用的 Agent 生命周期逻辑
// ============================================================================

// createAgent 解析配置文件名并创建 Agent 记录
func (s *Server) createAgent(config string) (model.AgentView, error) {
	if config == "" {
		config = s.defaultConfig
	}
	if config != filepath.Base(config) {
		return model.AgentView{}, fmt.Errorf("配置必须是文件名而非路径: %q", config)
	}

	path := filepath.Join(s.workerConfigDir, config)
	if _, err := os.Stat(path); err != nil {
		return model.AgentView{}, fmt.Errorf("配置文件不存在: %s", config)
	}

	return s.agents.Create(path, supervisor.KindProcess)
}

// stopAgent 请求停止并回收 busy Agent 的任务
func (s *Server) stopAgent(ctx context.Context, id string) error {
	if err := s.sup.RequestStop(id); err != nil {
		return err
	}
	// 停止不产生结果：running 任务回 incomplete，释放工作空间
	s.disp.HandleAgentFailure(ctx, id)
	return nil
}

// terminateAgent 回收任务后在后台执行两阶段终结
func (s *Server) terminateAgent(ctx context.Context, id string) error {
	if _, ok := s.agents.Get(id); !ok {
		return fmt.Errorf("agent %s: %w", id, errdefs.ErrNotFound)
	}

	s.disp.HandleAgentFailure(ctx, id)

	go func() {
		if err := s.sup.Terminate(context.Background(), id); err != nil {
			log.Printf("[Server] 终结 Agent 失败: agent=%s err=%v", id, err)
		}
	}()
	return nil
}

// statusFromErr 将组件错误映射为 HTTP 状态码
func statusFromErr(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
