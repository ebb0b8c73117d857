// Package main Mock Worker - 模拟 Worker 进程
//
// 连接编排器的 Worker 通道，收到任务后分片输出模拟的执行过程，
// 最后报告完成。用于开发环境和端到端演示，不执行真实工作。
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"agent-orchestrator/internal/shared/model"
)

// stepDelay 模拟执行的分片间隔
const stepDelay = 300 * time.Millisecond

type worker struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	agentID string
}

func (w *worker) send(msg model.WorkerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(msg)
}

func main() {
	agentID := flag.String("agent-id", "", "Agent ID")
	serverURL := flag.String("server-url", "ws://localhost:8080", "编排器地址")
	configPath := flag.String("config-path", "", "Worker 配置文件路径")
	flag.Parse()

	if *agentID == "" {
		log.Fatal("--agent-id is required")
	}

	url := strings.TrimSuffix(*serverURL, "/") + "/ws/agent/" + *agentID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("[MockWorker] 连接编排器失败: url=%s err=%v", url, err)
	}
	defer conn.Close()

	w := &worker{conn: conn, agentID: *agentID}
	log.Printf("[MockWorker] 已连接: agent=%s config=%s", *agentID, *configPath)

	// SIGTERM → 优雅退出（退出码 0，编排器据此转 stopped）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[MockWorker] 收到退出信号")
		w.mu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
		w.mu.Unlock()
		os.Exit(0)
	}()

	for {
		var msg model.WorkerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("[MockWorker] 连接断开: err=%v", err)
			os.Exit(1)
		}
		if msg.Type != model.MsgAssignTask {
			log.Printf("[MockWorker] 忽略消息: type=%s", msg.Type)
			continue
		}

		var p model.AssignTaskPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Printf("[MockWorker] assign_task 载荷非法: err=%v", err)
			continue
		}
		w.runTask(p)
	}
}

// runTask 分片输出模拟的执行过程并报告完成
func (w *worker) runTask(p model.AssignTaskPayload) {
	log.Printf("[MockWorker] 开始执行: task=%s", p.TaskID)
	w.send(model.NewWorkerMessage(model.MsgStatusUpdate, model.StatusUpdatePayload{
		AgentID: w.agentID,
		Status:  "busy",
	}))

	steps := []string{
		fmt.Sprintf("收到任务: %s\n", p.Description),
		"分析任务要求...\n",
		"执行第 1 步\n",
		"执行第 2 步\n",
		"整理输出\n",
	}
	for _, token := range steps {
		if err := w.send(model.NewWorkerMessage(model.MsgProgressUpdate, model.ProgressUpdatePayload{
			TaskID: p.TaskID,
			Token:  token,
		})); err != nil {
			log.Printf("[MockWorker] 输出发送失败: err=%v", err)
			return
		}
		time.Sleep(stepDelay)
	}

	w.send(model.NewWorkerMessage(model.MsgTaskResult, model.TaskResultPayload{
		TaskID: p.TaskID,
		Status: model.ResultStatusCompleted,
		Result: "模拟执行完成: " + p.Description,
	}))
	w.send(model.NewWorkerMessage(model.MsgStatusUpdate, model.StatusUpdatePayload{
		AgentID: w.agentID,
		Status:  "idle",
	}))
	log.Printf("[MockWorker] 任务完成: task=%s", p.TaskID)
}
