package server

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ListWorkspaces 列出工作空间池
//
// 路由: GET /api/v1/workspaces
func (s *Server) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list := s.pool.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspaces": list,
		"count":      len(list),
	})
}

// CreateWorkspace 创建一个新工作空间
//
// 路由: POST /api/v1/workspaces
//
// 编号取最小未用值，目录随即创建。
func (s *Server) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	ws := s.pool.Create()
	if ws == nil {
		writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}
	s.workspacesChanged()
	writeJSON(w, http.StatusCreated, ws)
}

// ResizeWorkspaces 将池调整到目标数量
//
// 路由: PUT /api/v1/workspaces/count
//
// 请求体: {"count": 4}
//
// 收缩是原子操作：空闲空间不足时整体失败，池保持原样。
func (s *Server) ResizeWorkspaces(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Count < 0 {
		writeError(w, http.StatusBadRequest, "count must be non-negative")
		return
	}

	if !s.pool.Resize(req.Count) {
		writeError(w, http.StatusConflict, "not enough free workspaces to shrink")
		return
	}
	s.workspacesChanged()
	writeJSON(w, http.StatusOK, map[string]int{"count": s.pool.Count()})
}

// DeleteWorkspace 删除一个工作空间
//
// 路由: DELETE /api/v1/workspaces/{id}
//
// 被占用的工作空间不可删除。
func (s *Server) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid workspace id")
		return
	}

	if !s.pool.Delete(id) {
		writeError(w, http.StatusConflict, "workspace is occupied or does not exist")
		return
	}
	s.workspacesChanged()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// workspacesChanged 池集合变更后的广播与指标刷新
func (s *Server) workspacesChanged() {
	s.metrics.SetWorkspaces(s.pool.Stats())
	s.hub.BroadcastWorkspaces(s.pool.List())
}
