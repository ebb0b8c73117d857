package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestYAMLStore_LoadMissingFile 验证文件不存在时返回空集合
func TestYAMLStore_LoadMissingFile(t *testing.T) {
	s, err := NewYAMLStore(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)

	records, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestYAMLStore_SaveLoadRoundTrip 验证全量保存与加载
func TestYAMLStore_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewYAMLStore(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)

	in := map[string]TaskRecord{
		"task-1": {Description: "修复登录问题", History: "修复登录问题\n|||\n已完成", State: "completed"},
		"task-2": {Description: "重构存储层", History: "重构存储层\n|||\n", State: "incomplete"},
	}
	require.NoError(t, s.Save(context.Background(), in))

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestYAMLStore_SaveOverwrites 验证保存为整体重写
func TestYAMLStore_SaveOverwrites(t *testing.T) {
	s, err := NewYAMLStore(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, map[string]TaskRecord{
		"task-1": {Description: "a", History: "a\n|||\n", State: "incomplete"},
		"task-2": {Description: "b", History: "b\n|||\n", State: "incomplete"},
	}))

	// 第二次保存不含 task-2，加载结果也不应包含它
	require.NoError(t, s.Save(ctx, map[string]TaskRecord{
		"task-1": {Description: "a", History: "a\n|||\n", State: "completed"},
	}))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "completed", out["task-1"].State)
}

// TestYAMLStore_SkipsCorruptEntries 验证单条损坏记录被跳过而不影响其余
func TestYAMLStore_SkipsCorruptEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	content := `task-1:
  description: 正常任务
  history: "正常任务\n|||\n"
  state: incomplete
task-2:
  history: "缺少描述\n|||\n"
  state: incomplete
task-3: 这不是一个映射
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := NewYAMLStore(path)
	require.NoError(t, err)

	records, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Contains(t, records, "task-1")
}
