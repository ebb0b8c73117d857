package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLStore 基于单个 YAML 扁平文档的任务存储
//
// 文档结构为 id → {description, history, state} 的顶层映射。
// 每次保存整体重写，通过临时文件 + rename 保证不会留下半写状态。
type YAMLStore struct {
	mu   sync.Mutex
	path string
}

// NewYAMLStore 创建 YAML 存储
func NewYAMLStore(path string) (*YAMLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &YAMLStore{path: path}, nil
}

// Load 读取全部任务记录
//
// 文件不存在视为空集合。单条记录损坏（缺 description 或状态非法）时
// 跳过该条并告警，不影响其余记录加载。
func (s *YAMLStore) Load(ctx context.Context) (map[string]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]TaskRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取任务文件失败: %w", err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析任务文件失败: %w", err)
	}

	records := make(map[string]TaskRecord, len(raw))
	for id, node := range raw {
		var rec TaskRecord
		if err := node.Decode(&rec); err != nil {
			log.Printf("[Storage] 跳过损坏的任务记录: id=%s err=%v", id, err)
			continue
		}
		if rec.Description == "" {
			log.Printf("[Storage] 跳过损坏的任务记录: id=%s 缺少 description", id)
			continue
		}
		records[id] = rec
	}
	return records, nil
}

// Save 全量写入任务记录
func (s *YAMLStore) Save(ctx context.Context, records map[string]TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("替换任务文件失败: %w", err)
	}
	return nil
}

// Close 关闭存储（YAML 存储无资源可释放）
func (s *YAMLStore) Close() error {
	return nil
}
