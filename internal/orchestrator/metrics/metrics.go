// Package metrics Prometheus 指标导出
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-orchestrator/internal/shared/model"
)

// Metrics 包含编排器的全部指标
type Metrics struct {
	// 任务指标
	TasksByState *prometheus.GaugeVec
	TasksCreated prometheus.Counter
	TasksDeleted prometheus.Counter

	// Agent 指标
	AgentsByStatus *prometheus.GaugeVec
	WorkerExits    *prometheus.CounterVec

	// 分配指标
	Assignments        prometheus.Counter
	AssignmentFailures prometheus.Counter

	// 工作空间指标
	WorkspacesTotal    prometheus.Gauge
	WorkspacesOccupied prometheus.Gauge

	// 连接指标
	ObserverConnections prometheus.Gauge
	WorkerConnections   prometheus.Gauge
	ProgressTokens      prometheus.Counter
}

// New 创建指标实例并注册到默认注册表
func New(namespace string) *Metrics {
	return NewWith(namespace, prometheus.DefaultRegisterer)
}

// NewWith 创建指标实例并注册到指定注册表（测试用独立注册表）
func NewWith(namespace string, reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		TasksByState: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks",
				Help:      "Number of tasks by state",
			},
			[]string{"state"},
		),
		TasksCreated: auto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_created_total",
				Help:      "Total tasks created",
			},
		),
		TasksDeleted: auto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_deleted_total",
				Help:      "Total tasks deleted",
			},
		),
		AgentsByStatus: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents",
				Help:      "Number of agents by status",
			},
			[]string{"status"},
		),
		WorkerExits: auto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_exits_total",
				Help:      "Total worker process exits by outcome",
			},
			[]string{"outcome"},
		),
		Assignments: auto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignments_total",
				Help:      "Total successful task assignments",
			},
		),
		AssignmentFailures: auto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignment_failures_total",
				Help:      "Total failed or rolled back assignments",
			},
		),
		WorkspacesTotal: auto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workspaces_total",
				Help:      "Number of workspaces in the pool",
			},
		),
		WorkspacesOccupied: auto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workspaces_occupied",
				Help:      "Number of occupied workspaces",
			},
		),
		ObserverConnections: auto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observer_connections",
				Help:      "Number of live observer connections",
			},
		),
		WorkerConnections: auto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_connections",
				Help:      "Number of live worker connections",
			},
		),
		ProgressTokens: auto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_tokens_total",
				Help:      "Total progress tokens received from workers",
			},
		),
	}
}

// RefreshSnapshot 从一份状态快照刷新任务与 Agent gauge
//
// 在广播协程中调用，不触碰任何存储锁。
func (m *Metrics) RefreshSnapshot(snap model.StateSnapshot) {
	taskCounts := map[model.TaskState]int{
		model.TaskStateIncomplete:  0,
		model.TaskStateRunning:     0,
		model.TaskStateCompleted:   0,
		model.TaskStateTerminating: 0,
	}
	for _, t := range snap.Tasks {
		taskCounts[t.State]++
	}
	for state, n := range taskCounts {
		m.TasksByState.WithLabelValues(string(state)).Set(float64(n))
	}

	agentCounts := map[model.AgentStatus]int{
		model.AgentStatusCreated:     0,
		model.AgentStatusStarting:    0,
		model.AgentStatusIdle:        0,
		model.AgentStatusBusy:        0,
		model.AgentStatusStopping:    0,
		model.AgentStatusStopped:     0,
		model.AgentStatusError:       0,
		model.AgentStatusTerminating: 0,
	}
	for _, a := range snap.Agents {
		agentCounts[a.Status]++
	}
	for status, n := range agentCounts {
		m.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// RecordWorkerExit 记录 Worker 进程退出
func (m *Metrics) RecordWorkerExit(outcome string) {
	m.WorkerExits.WithLabelValues(outcome).Inc()
}

// SetWorkspaces 刷新工作空间 gauge
func (m *Metrics) SetWorkspaces(total, occupied int) {
	m.WorkspacesTotal.Set(float64(total))
	m.WorkspacesOccupied.Set(float64(occupied))
}

// Handler 返回 Prometheus HTTP Handler
func Handler() http.Handler {
	return promhttp.Handler()
}
