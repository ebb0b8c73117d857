// Package model 定义核心数据模型
//
// mode.go 包含任务分配模式枚举。
package model

// AssignmentMode 任务分配模式
type AssignmentMode string

const (
	// ModeAuto 自动模式：编排器自动为 incomplete 任务匹配 idle Agent
	ModeAuto AssignmentMode = "auto"

	// ModeManual 手动模式：只接受显式的 manual_assign_task 配对请求
	ModeManual AssignmentMode = "manual"
)

// Valid 判断是否为已知的分配模式
func (m AssignmentMode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}
