// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（观察端认证密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Worker    WorkerConfig    `yaml:"worker"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// StorageConfig 任务持久化配置
type StorageConfig struct {
	// Driver 存储驱动：yaml / sqlite
	Driver string `yaml:"driver"`
	// Path 数据文件路径
	Path string `yaml:"path"`
}

// WorkspaceConfig 工作空间池配置
type WorkspaceConfig struct {
	// Root 工作空间根目录（其下为 ws<N> 目录）
	Root string `yaml:"root"`
	// InitialCount 启动时的目标数量（0 表示保持扫描结果）
	InitialCount int `yaml:"initial_count"`
}

// WorkerConfig Worker 进程配置
type WorkerConfig struct {
	// Binary Worker 可执行文件路径
	Binary string `yaml:"binary"`
	// ConfigDir Worker 配置文件目录（create_agent 按文件名在此解析）
	ConfigDir string `yaml:"config_dir"`
	// DefaultConfig 未指定时使用的配置文件名
	DefaultConfig string `yaml:"default_config"`
	// WorkdirBase Agent 专属工作目录的根目录
	WorkdirBase string `yaml:"workdir_base"`
	// GracePeriod SIGTERM 后的等待时长，超时转 SIGKILL
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env       Environment
	APIPort   string
	ServerURL string // Worker 回连地址
	AuthKey   string // 观察端认证密钥（空串表示关闭认证）
	Storage   StorageConfig
	Workspace WorkspaceConfig
	Worker    WorkerConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 环境变量覆盖
	port := getEnv("API_PORT", yamlCfg.Server.Port)

	cfg := &Config{
		Env:       env,
		APIPort:   port,
		ServerURL: getEnv("SERVER_URL", "ws://localhost:"+port),
		AuthKey:   os.Getenv("OBSERVER_AUTH_KEY"),
		Storage:   yamlCfg.Storage,
		Workspace: yamlCfg.Workspace,
		Worker:    yamlCfg.Worker,
	}

	cfg.validate()
	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		Server:    ServerConfig{Port: "8080"},
		Storage:   StorageConfig{Driver: "yaml", Path: "data/tasks.yaml"},
		Workspace: WorkspaceConfig{Root: "data/workspaces"},
		Worker: WorkerConfig{
			Binary:        "mock-worker",
			ConfigDir:     "configs/workers",
			DefaultConfig: "default.yaml",
			WorkdirBase:   "data/agents",
			GracePeriod:   5 * time.Second,
		},
	}

	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密钥）
func (c *Config) String() string {
	auth := "off"
	if c.AuthKey != "" {
		auth = "on"
	}
	return fmt.Sprintf("Config{Env: %s, Port: %s, Storage: %s:%s, Auth: %s}",
		c.Env, c.APIPort, c.Storage.Driver, c.Storage.Path, auth)
}

// validate 验证并填充默认值
func (c *Config) validate() {
	if c.APIPort == "" {
		c.APIPort = "8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "yaml"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/tasks.yaml"
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = "data/workspaces"
	}
	if c.Worker.Binary == "" {
		c.Worker.Binary = "mock-worker"
	}
	if c.Worker.ConfigDir == "" {
		c.Worker.ConfigDir = "configs/workers"
	}
	if c.Worker.DefaultConfig == "" {
		c.Worker.DefaultConfig = "default.yaml"
	}
	if c.Worker.WorkdirBase == "" {
		c.Worker.WorkdirBase = "data/agents"
	}
	if c.Worker.GracePeriod == 0 {
		c.Worker.GracePeriod = 5 * time.Second
	}
}
