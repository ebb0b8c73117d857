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

// WebSocket 连接参数
const (
	// writeWait 单次写入的超时
	writeWait = 10 * time.Second

	// pongWait 收到对端 pong 的最长间隔，超时视为断开
	pongWait = 60 * time.Second

	// pingPeriod 心跳发送间隔，必须小于 pongWait
	pingPeriod = 30 * time.Second

	// maxMessageSize 入站消息大小上限
	maxMessageSize = 64 * 1024
)

// upgrader WebSocket 升级器配置
//
// 配置说明：
//   - ReadBufferSize: 读缓冲区大小
//   - WriteBufferSize: 写缓冲区大小
//   - CheckOrigin: 跨域检查（当前允许所有来源，生产环境应限制）
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// observerConn 观察端连接
//
// 实现 hub.Sink。gorilla/websocket 的连接同一时刻只允许一个写入者，
// 事件中心与心跳协程的写入由互斥锁串行化。
type observerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// SendMessage 推送一条消息（实现 hub.Sink）
func (c *observerConn) SendMessage(msg model.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// ping 发送心跳帧
func (c *observerConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// HandleObserverWS 处理观察端 WebSocket 连接
//
// 路由: GET /ws/ui
//
// 连接建立后立即收到一份全量状态快照，此后每个状态性事件触发
// 一次新的快照推送。命令消息格式：
//
//	{"command": "add_task", "payload": {"description": "..."}}
//
// 命令执行失败只向该观察端推送 error 消息，不断开连接。
func (s *Server) HandleObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] 观察端升级失败: err=%v", err)
		return
	}
	defer conn.Close()

	oc := &observerConn{conn: conn}
	s.metrics.ObserverConnections.Inc()
	defer s.metrics.ObserverConnections.Dec()

	s.hub.AddSink(oc)
	defer s.hub.RemoveSink(oc)

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
				if err := oc.ping(); err != nil {
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
				log.Printf("[Server] 观察端连接异常断开: err=%v", err)
			}
			return
		}

		var cmd model.ObserverCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			oc.SendMessage(model.ServerMessage{
				Type:    model.MsgError,
				Payload: model.ErrorPayload{Message: "invalid command format"},
			})
			continue
		}
		s.handleObserverCommand(r.Context(), oc, cmd)
	}
}

// handleObserverCommand 执行观察端命令
func (s *Server) handleObserverCommand(ctx context.Context, oc *observerConn, cmd model.ObserverCommand) {
	fail := func(message string) {
		oc.SendMessage(model.ServerMessage{
			Type:    model.MsgError,
			Payload: model.ErrorPayload{Message: message},
		})
	}

	switch cmd.Command {
	case model.CmdCreateAgent:
		var p model.CreateAgentPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil && len(cmd.Payload) > 0 {
			fail("invalid create_agent payload")
			return
		}
		if _, err := s.createAgent(p.Config); err != nil {
			fail(err.Error())
		}

	case model.CmdStartAgent:
		var p model.AgentIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			fail("invalid start_agent payload")
			return
		}
		if err := s.sup.Start(p.AgentID); err != nil {
			fail(err.Error())
		}

	case model.CmdStopAgent:
		var p model.AgentIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			fail("invalid stop_agent payload")
			return
		}
		if err := s.stopAgent(ctx, p.AgentID); err != nil {
			fail(err.Error())
		}

	case model.CmdTerminateAgent:
		var p model.AgentIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			fail("invalid terminate_agent payload")
			return
		}
		if err := s.terminateAgent(ctx, p.AgentID); err != nil {
			fail(err.Error())
		}

	case model.CmdAddTask:
		var p model.AddTaskPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Description == "" {
			fail("invalid add_task payload")
			return
		}
		s.tasks.Create(ctx, p.Description)
		s.metrics.TasksCreated.Inc()
		s.disp.AssignIfPossible(ctx)

	case model.CmdDeleteTask:
		var p model.TaskIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			fail("invalid delete_task payload")
			return
		}
		s.disp.ReleaseTask(ctx, p.TaskID)
		if !s.tasks.Delete(ctx, p.TaskID) {
			fail("task " + p.TaskID + " cannot be deleted")
			return
		}
		s.metrics.TasksDeleted.Inc()
		s.disp.AssignIfPossible(ctx)

	case model.CmdSetAssignmentMode:
		var p model.SetModePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			fail("invalid set_assignment_mode payload")
			return
		}
		if err := s.disp.SetMode(ctx, p.Mode); err != nil {
			fail(err.Error())
		}

	case model.CmdManualAssignTask:
		var p model.ManualAssignPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			fail("invalid manual_assign_task payload")
			return
		}
		if err := s.disp.ManualAssign(ctx, p.TaskID, p.AgentID); err != nil {
			fail(err.Error())
		}

	case model.CmdGetProgress:
		var p model.TaskIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			fail("invalid get_progress payload")
			return
		}
		s.hub.Subscribe(p.TaskID, oc)

	default:
		fail("unknown command: " + cmd.Command)
	}
}
