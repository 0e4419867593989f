package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了智能体守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	LLM       LLMConfig       `json:"llm"`
	Web3      Web3Config      `json:"web3"`
	Tools     ToolsConfig     `json:"tools"`
	Wallet    WalletConfig    `json:"wallet"`
	Chat      ChatConfig      `json:"chat"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Plugins   PluginsConfig   `json:"plugins"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
// MetricsAddress 非空时在独立端口暴露 /metrics。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述持久化层的连接信息。
type StorageConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链网络所需的信息。
type Web3Config struct {
	NetworksPath   string `json:"networks_path"`
	DefaultNetwork string `json:"default_network"`
}

// ToolsConfig 配置内建工具依赖的外部服务。
type ToolsConfig struct {
	PriceFeedURL     string      `json:"price_feed_url"`
	PriceCacheTTL    int         `json:"price_cache_ttl_seconds"`
	SearchURL        string      `json:"search_url"`
	SearchAPIKey     string      `json:"search_api_key"`
	SearchMaxResults int         `json:"search_max_results"`
	Redis            RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 的连接参数，价格缓存与调度队列共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// WalletConfig 配置钱包密钥库的口令来源。
type WalletConfig struct {
	Passphrase    string `json:"passphrase"`
	PassphraseEnv string `json:"passphrase_env"`
}

// ChatConfig 控制推理循环的行为。
type ChatConfig struct {
	MaxToolSteps     int `json:"max_tool_steps"`
	MemoryDepth      int `json:"memory_depth"`
	AutoChatInterval int `json:"auto_chat_interval_seconds"`
}

// DispatchConfig 配置后台动作调度队列。
type DispatchConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Queue    string         `json:"queue"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// KnowledgeConfig 指向静态知识库文件，Source 为空时不加载。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// PluginsConfig 指向插件清单文件，ConfigPath 为空时不加载插件。
type PluginsConfig struct {
	ConfigPath string `json:"config_path"`
}

// AlertingConfig 配置失败动作的告警渠道，为空时不发送告警。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// LLMTimeout 返回大模型调用的超时时间。
func (c *Config) LLMTimeout() time.Duration {
	if c.LLM.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// LLMAPIKey 返回大模型密钥，环境变量优先于明文配置。
func (c *Config) LLMAPIKey() string {
	if c.LLM.APIKeyEnv != "" {
		if value := os.Getenv(c.LLM.APIKeyEnv); value != "" {
			return value
		}
	}
	return c.LLM.APIKey
}

// WalletPassphrase 返回钱包口令，环境变量优先于明文配置。
func (c *Config) WalletPassphrase() string {
	if c.Wallet.PassphraseEnv != "" {
		if value := os.Getenv(c.Wallet.PassphraseEnv); value != "" {
			return value
		}
	}
	return c.Wallet.Passphrase
}

// AutoChatInterval 返回自主对话两次迭代之间的等待时间。
func (c *Config) AutoChatInterval() time.Duration {
	return time.Duration(c.Chat.AutoChatInterval) * time.Second
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.APIKeyEnv == "" && c.LLM.APIKey == "" {
		c.LLM.APIKeyEnv = "AGENTD_OPENAI_API_KEY"
	}

	if c.Web3.DefaultNetwork == "" {
		c.Web3.DefaultNetwork = "base-sepolia"
	}
	if c.Web3.NetworksPath != "" && !filepath.IsAbs(c.Web3.NetworksPath) {
		c.Web3.NetworksPath = filepath.Join(baseDir, c.Web3.NetworksPath)
	}

	if c.Tools.PriceCacheTTL <= 0 {
		c.Tools.PriceCacheTTL = 300
	}
	if c.Tools.SearchMaxResults <= 0 {
		c.Tools.SearchMaxResults = 3
	}

	if c.Wallet.PassphraseEnv == "" && c.Wallet.Passphrase == "" {
		c.Wallet.PassphraseEnv = "AGENTD_WALLET_PASSPHRASE"
	}

	if c.Chat.MaxToolSteps <= 0 {
		c.Chat.MaxToolSteps = 8
	}
	if c.Chat.MemoryDepth <= 0 {
		c.Chat.MemoryDepth = 20
	}
	if c.Chat.AutoChatInterval <= 0 {
		c.Chat.AutoChatInterval = 10
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Plugins.ConfigPath != "" && !filepath.IsAbs(c.Plugins.ConfigPath) {
		c.Plugins.ConfigPath = filepath.Join(baseDir, c.Plugins.ConfigPath)
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 2
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
