package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ListTasks 列出全部任务
//
// 路由: GET /api/v1/tasks
//
// 返回任务快照视图的映射（不含历史大字段）。
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.tasks.Views(),
	})
}

// CreateTask 创建任务
//
// 路由: POST /api/v1/tasks
//
// 请求体: {"description": "..."}
//
// 任务初始状态为 incomplete；自动模式下创建后立即尝试一轮分配。
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	view := s.tasks.Create(r.Context(), req.Description)
	s.metrics.TasksCreated.Inc()
	s.disp.AssignIfPossible(r.Context())

	writeJSON(w, http.StatusCreated, view)
}

// GetTask 获取单个任务详情
//
// 路由: GET /api/v1/tasks/{id}
//
// 与列表接口不同，详情包含完整历史。
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	t, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":    t.View(),
		"history": t.History,
	})
}

// DeleteTask 删除任务
//
// 路由: DELETE /api/v1/tasks/{id}
//
// 删除前先回收任务占用的资源（Agent 回 idle、释放工作空间）。
// 任务仍在执行时 Worker 的本次执行不会被取消，其后续消息会因
// 任务不存在而被忽略。
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := s.tasks.Get(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	s.disp.ReleaseTask(r.Context(), id)
	if !s.tasks.Delete(r.Context(), id) {
		writeError(w, http.StatusConflict, "task cannot be deleted")
		return
	}
	s.metrics.TasksDeleted.Inc()
	s.disp.AssignIfPossible(r.Context())

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
