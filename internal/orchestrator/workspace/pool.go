// Package workspace 工作空间池
//
// 负责管理一组带编号的互斥文件系统工作空间：
//   - 每个工作空间对应 work_root 下的 ws<N> 目录
//   - 同一时刻至多一个占用者（占用标记为不透明字符串，通常是任务 ID）
//   - 被占用的工作空间不可删除
//   - 池的增删只通过 Create/Delete/Resize 进行
//
// 设计理念：
//   - 池独占持有全部 Workspace 记录，外部只拿到快照视图
//   - 分配失败（池满）不是错误，返回 nil 表示资源耗尽
//   - Resize 收缩是原子操作：空闲空间不足时整体失败，不做部分收缩
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Workspace 工作空间记录
type Workspace struct {
	// ID 工作空间编号（非负整数，目录名为 ws<ID>）
	ID int `json:"id"`

	// OccupantTag 占用标记（空串表示空闲，通常为任务 ID）
	OccupantTag string `json:"occupant_tag,omitempty"`

	// Path 工作空间目录绝对路径
	Path string `json:"path"`
}

// Occupied 判断是否被占用
func (w *Workspace) Occupied() bool {
	return w.OccupantTag != ""
}

// Pool 工作空间池
type Pool struct {
	mu       sync.Mutex
	workRoot string
	entries  map[int]*Workspace
}

// NewPool 创建工作空间池并扫描已有目录
//
// 扫描 workRoot 下所有 ws<N> 形式的目录并登记为空闲工作空间，
// 其余目录名一律忽略。workRoot 不存在时自动创建。
func NewPool(workRoot string) (*Pool, error) {
	if err := os.MkdirAll(workRoot, 0755); err != nil {
		return nil, fmt.Errorf("创建工作空间根目录失败: %w", err)
	}

	p := &Pool{
		workRoot: workRoot,
		entries:  make(map[int]*Workspace),
	}

	items, err := os.ReadDir(workRoot)
	if err != nil {
		return nil, fmt.Errorf("扫描工作空间根目录失败: %w", err)
	}

	for _, item := range items {
		if !item.IsDir() || !strings.HasPrefix(item.Name(), "ws") {
			continue
		}
		id, err := strconv.Atoi(item.Name()[2:])
		if err != nil || id < 0 {
			continue // 忽略非法目录名
		}
		p.entries[id] = &Workspace{
			ID:   id,
			Path: filepath.Join(workRoot, item.Name()),
		}
	}

	log.Printf("[Workspace] 池初始化完成: root=%s count=%d", workRoot, len(p.entries))
	return p, nil
}

// Allocate 分配一个空闲工作空间
//
// 按编号升序返回第一个空闲的工作空间并标记占用；
// 池满时返回 nil（资源耗尽，不是错误）。
func (p *Pool) Allocate(occupantTag string) *Workspace {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.sortedIDs() {
		ws := p.entries[id]
		if !ws.Occupied() {
			ws.OccupantTag = occupantTag
			log.Printf("[Workspace] 分配: ws%d occupant=%s", ws.ID, occupantTag)
			return ws.snapshot()
		}
	}
	return nil
}

// Free 释放一个工作空间
//
// 仅清除占用标记，目录及内容保留。未被占用时返回 false 且不做任何事。
func (p *Pool) Free(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ws, ok := p.entries[id]
	if !ok || !ws.Occupied() {
		return false
	}

	log.Printf("[Workspace] 释放: ws%d occupant=%s", ws.ID, ws.OccupantTag)
	ws.OccupantTag = ""
	return true
}

// Create 创建一个新工作空间
//
// 选用最小的未用编号并创建对应目录；目录创建失败时返回 nil。
func (p *Pool) Create() *Workspace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createLocked()
}

// Delete 删除一个工作空间
//
// 被占用或不存在时返回 false；删除会连同目录内容一起移除。
func (p *Pool) Delete(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteLocked(id)
}

// Resize 将池调整到目标数量
//
// 扩容通过重复 Create；收缩从编号最大的空闲工作空间开始删除。
// 空闲空间不足以完成收缩时整体失败，池保持原样（无部分收缩）。
func (p *Pool) Resize(targetCount int) bool {
	if targetCount < 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.entries)

	if targetCount < current {
		toRemove := current - targetCount

		// 收集空闲工作空间，编号降序
		var free []int
		for id, ws := range p.entries {
			if !ws.Occupied() {
				free = append(free, id)
			}
		}
		if len(free) < toRemove {
			log.Printf("[Workspace] 收缩失败: target=%d current=%d free=%d", targetCount, current, len(free))
			return false
		}
		sort.Sort(sort.Reverse(sort.IntSlice(free)))

		for i := 0; i < toRemove; i++ {
			if !p.deleteLocked(free[i]) {
				return false
			}
		}
	}

	for len(p.entries) < targetCount {
		if p.createLocked() == nil {
			return false
		}
	}

	log.Printf("[Workspace] 调整完成: count=%d", len(p.entries))
	return true
}

// List 返回全部工作空间快照，编号升序
func (p *Pool) List() []Workspace {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Workspace, 0, len(p.entries))
	for _, id := range p.sortedIDs() {
		out = append(out, *p.entries[id].snapshot())
	}
	return out
}

// Count 返回当前工作空间数量
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats 返回总数与占用数
func (p *Pool) Stats() (total, occupied int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ws := range p.entries {
		if ws.Occupied() {
			occupied++
		}
	}
	return len(p.entries), occupied
}

// createLocked 创建新工作空间（须持锁）
func (p *Pool) createLocked() *Workspace {
	// 最小未用编号
	newID := 0
	for {
		if _, used := p.entries[newID]; !used {
			break
		}
		newID++
	}

	path := filepath.Join(p.workRoot, fmt.Sprintf("ws%d", newID))
	if err := os.MkdirAll(path, 0755); err != nil {
		log.Printf("[Workspace] 创建目录失败: path=%s err=%v", path, err)
		return nil
	}

	ws := &Workspace{ID: newID, Path: path}
	p.entries[newID] = ws
	log.Printf("[Workspace] 创建: ws%d", newID)
	return ws.snapshot()
}

// deleteLocked 删除工作空间（须持锁）
func (p *Pool) deleteLocked(id int) bool {
	ws, ok := p.entries[id]
	if !ok || ws.Occupied() {
		return false
	}

	if err := os.RemoveAll(ws.Path); err != nil {
		log.Printf("[Workspace] 删除目录失败: path=%s err=%v", ws.Path, err)
		return false
	}

	delete(p.entries, id)
	log.Printf("[Workspace] 删除: ws%d", id)
	return true
}

// sortedIDs 返回全部编号升序切片（须持锁）
func (p *Pool) sortedIDs() []int {
	ids := make([]int, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// snapshot 返回记录副本，外部不持有池内指针
func (w *Workspace) snapshot() *Workspace {
	c := *w
	return &c
}
