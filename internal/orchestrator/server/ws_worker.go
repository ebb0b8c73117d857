package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agent-orchestrator/internal/shared/model"
)

// workerChannel Worker 双工连接
//
// 实现 agent.Channel。分配器下发任务与心跳协程的写入由互斥锁串行化。
type workerChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send 向 Worker 下发一条消息（实现 agent.Channel）
func (c *workerChannel) Send(msg model.WorkerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// Close 关闭底层连接（实现 agent.Channel）
func (c *workerChannel) Close() error {
	return c.conn.Close()
}

// ping 发送心跳帧
func (c *workerChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// HandleWorkerWS 处理 Worker WebSocket 连接
//
// 路由: GET /ws/agent/{id}
//
// 路径参数：
//   - id: Agent ID（必须是已创建的 Agent，否则以 1008 关闭）
//
// 连接建立即登记为该 Agent 的双工通道：starting 的 Agent 转 idle，
// stopped / error 的 Agent 自愈回 idle（进程仍在而连接曾断开的场景），
// 随后立即尝试一轮自动分配。
func (s *Server) HandleWorkerWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Worker 升级失败: agent=%s err=%v", agentID, err)
		return
	}
	defer conn.Close()

	if _, ok := s.agents.Get(agentID); !ok {
		log.Printf("[Server] 未知 Agent 回连: agent=%s", agentID)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown agent"),
			time.Now().Add(writeWait))
		return
	}

	ch := &workerChannel{conn: conn}
	s.agents.AttachChannel(agentID, ch)
	s.metrics.WorkerConnections.Inc()
	log.Printf("[Server] Worker 接入: agent=%s", agentID)

	// 接入即就绪：starting → idle；stopped / error 自愈回 idle
	if status, ok := s.agents.Status(agentID); ok {
		switch status {
		case model.AgentStatusStarting, model.AgentStatusStopped, model.AgentStatusError:
			s.agents.SetStatus(agentID, model.AgentStatusIdle)
		}
	}
	s.disp.AssignIfPossible(r.Context())

	defer s.workerDisconnected(agentID, ch)

	// 心跳协程
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ch.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Server] Worker 连接异常断开: agent=%s err=%v", agentID, err)
			}
			return
		}

		var msg model.WorkerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[Server] Worker 消息格式非法: agent=%s err=%v", agentID, err)
			continue
		}
		s.handleWorkerMessage(r.Context(), agentID, msg)
	}
}

// handleWorkerMessage 处理 Worker 上行消息
func (s *Server) handleWorkerMessage(ctx context.Context, agentID string, msg model.WorkerMessage) {
	switch msg.Type {
	case model.MsgStatusUpdate:
		// Worker 自报状态仅记录，状态机由编排器驱动
		var p model.StatusUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			log.Printf("[Server] Worker 自报状态: agent=%s status=%s", agentID, p.Status)
		}

	case model.MsgTaskResult:
		var p model.TaskResultPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Printf("[Server] task_result 载荷非法: agent=%s err=%v", agentID, err)
			return
		}
		s.disp.HandleTaskResult(ctx, agentID, p)

	case model.MsgProgressUpdate:
		var p model.ProgressUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Printf("[Server] progress_update 载荷非法: agent=%s err=%v", agentID, err)
			return
		}
		if s.tasks.AppendHistory(ctx, p.TaskID, p.Token) {
			s.metrics.ProgressTokens.Inc()
		}

	default:
		log.Printf("[Server] 未知 Worker 消息类型: agent=%s type=%s", agentID, msg.Type)
	}
}

// workerDisconnected 连接断开后的状态决策
//
// 只有当前登记的连接才驱动状态：Worker 重连时旧连接被顶替关闭，
// 其收尾对新连接必须是 no-op。进程生命周期事件
// （stopping/stopped/terminating）不在此处理，由监督器的退出监测
// 负责；其余状态视为异常断开转 error，busy Agent 的任务走崩溃恢复。
func (s *Server) workerDisconnected(agentID string, ch *workerChannel) {
	current := s.agents.DetachChannel(agentID, ch)
	s.metrics.WorkerConnections.Dec()
	if !current {
		return
	}

	status, ok := s.agents.Status(agentID)
	if !ok {
		return
	}

	switch status {
	case model.AgentStatusStopping, model.AgentStatusStopped, model.AgentStatusTerminating:
		return
	}

	wasBusy := status == model.AgentStatusBusy
	s.agents.SetStatus(agentID, model.AgentStatusError)
	if wasBusy {
		s.disp.HandleAgentFailure(context.Background(), agentID)
	}
}
