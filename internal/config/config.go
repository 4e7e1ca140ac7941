package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config 描述了 ChainTrader 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	LLM      LLMConfig      `json:"llm"`
	Web3     Web3Config     `json:"web3"`
	Executor ExecutorConfig `json:"executor"`
	Events   EventsConfig   `json:"events"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address   string   `json:"address" env:"CHAINTRADER_ADDR"`
	APITokens []string `json:"api_tokens" env:"CHAINTRADER_API_TOKENS" envSeparator:","`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address" env:"CHAINTRADER_METRICS_ADDR"`
}

// StorageConfig 描述凭证存储后端。
type StorageConfig struct {
	Credentials CredentialStoreConfig `json:"credentials"`
}

// CredentialStoreConfig 支持 file、sqlite、mysql 三种驱动。
type CredentialStoreConfig struct {
	Driver string `json:"driver" env:"CHAINTRADER_CREDENTIAL_DRIVER"`
	DSN    string `json:"dsn" env:"CHAINTRADER_CREDENTIAL_DSN"`
	Path   string `json:"path" env:"CHAINTRADER_CREDENTIAL_PATH"`
	// Passphrase 非空时私钥以 keystore 格式加密落盘。
	Passphrase string `json:"-" env:"CHAINTRADER_KEYSTORE_PASSPHRASE"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string  `json:"provider" env:"CHAINTRADER_LLM_PROVIDER"`
	Model          string  `json:"model" env:"CHAINTRADER_LLM_MODEL"`
	BaseURL        string  `json:"base_url" env:"OPENAI_BASE_URL"`
	APIKey         string  `json:"-" env:"OPENAI_API_KEY"`
	DeepSeekAPIKey string  `json:"-" env:"DEEPSEEK_API_KEY"`
	Temperature    float64 `json:"temperature"`
	MaxToolRounds  int     `json:"max_tool_rounds"`
	HistoryDepth   int     `json:"history_depth"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	ChainConfig            string `json:"chain_config" env:"CHAINTRADER_CHAIN_CONFIG"`
	DefaultNetwork         string `json:"default_network" env:"CHAINTRADER_DEFAULT_NETWORK"`
	DialTimeoutSeconds     int    `json:"dial_timeout_seconds"`
	QueryTimeoutSeconds    int    `json:"query_timeout_seconds"`
	BreakerFailures        uint32 `json:"breaker_failures"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds"`
}

// ExecutorConfig 控制交易广播的重试策略。
type ExecutorConfig struct {
	MaxAttempts           int     `json:"max_attempts" env:"CHAINTRADER_MAX_ATTEMPTS"`
	BaseBackoffMillis     int     `json:"base_backoff_millis"`
	MaxBackoffMillis      int     `json:"max_backoff_millis"`
	ConfirmTimeoutSeconds int     `json:"confirm_timeout_seconds"`
	BroadcastRPS          float64 `json:"broadcast_rps"`
	GasBufferPercent      int     `json:"gas_buffer_percent"`
}

// EventsConfig 描述领域事件的投递方式。
type EventsConfig struct {
	Driver      string `json:"driver" env:"CHAINTRADER_EVENTS_DRIVER"`
	RedisAddr   string `json:"redis_addr" env:"CHAINTRADER_REDIS_ADDR"`
	RedisKey    string `json:"redis_key"`
	RabbitURL   string `json:"rabbitmq_url" env:"CHAINTRADER_RABBITMQ_URL"`
	RabbitQueue string `json:"rabbitmq_queue"`
	Buffer      int    `json:"buffer"`
}

// AlertingConfig 配置结果不确定等事件的告警渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" env:"CHAINTRADER_ALERT_WEBHOOK"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level        string   `json:"level" env:"CHAINTRADER_LOG_LEVEL"`
	Format       string   `json:"format" env:"CHAINTRADER_LOG_FORMAT"`
	Outputs      []string `json:"outputs"`
	AuditEnabled bool     `json:"audit_enabled"`
	AuditPath    string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" env:"CHAINTRADER_DATA_DIR"`
}

// LoadEnvFiles 读取 .env 文件，文件不存在时静默跳过。
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// Load 负责解析指定路径的 JSON 配置文件，随后叠加环境变量并补齐默认值。
// path 为空时仅使用环境变量与默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir, err := os.Getwd()
	if err != nil {
		baseDir = "."
	}

	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	creds := &c.Storage.Credentials
	creds.Driver = strings.ToLower(strings.TrimSpace(creds.Driver))
	if creds.Driver == "" {
		creds.Driver = "file"
	}
	if creds.Driver == "file" && creds.Path == "" {
		creds.Path = filepath.Join(c.Runtime.DataDir, "agents.json")
	}
	if creds.Driver == "sqlite" && creds.DSN == "" {
		creds.DSN = filepath.Join(c.Runtime.DataDir, "agents.db")
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		// 只配置了 DeepSeek 密钥时使用 DeepSeek。
		c.LLM.Provider = "openai"
		if c.LLM.APIKey == "" && c.LLM.DeepSeekAPIKey != "" {
			c.LLM.Provider = "deepseek"
		}
	}
	if c.LLM.Provider == "deepseek" {
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = c.LLM.DeepSeekAPIKey
		}
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = "https://api.deepseek.com/v1"
		}
		if c.LLM.Model == "" {
			c.LLM.Model = "deepseek-chat"
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.MaxToolRounds <= 0 {
		c.LLM.MaxToolRounds = 4
	}
	if c.LLM.HistoryDepth <= 0 {
		c.LLM.HistoryDepth = 20
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Web3.ChainConfig == "" {
		c.Web3.ChainConfig = filepath.Join(baseDir, "chain.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.DefaultNetwork == "" {
		c.Web3.DefaultNetwork = "testnet"
	}
	if c.Web3.DialTimeoutSeconds <= 0 {
		c.Web3.DialTimeoutSeconds = 10
	}
	if c.Web3.QueryTimeoutSeconds <= 0 {
		c.Web3.QueryTimeoutSeconds = 10
	}
	if c.Web3.BreakerFailures == 0 {
		c.Web3.BreakerFailures = 3
	}
	if c.Web3.BreakerCooldownSeconds <= 0 {
		c.Web3.BreakerCooldownSeconds = 30
	}

	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.BaseBackoffMillis <= 0 {
		c.Executor.BaseBackoffMillis = 200
	}
	if c.Executor.MaxBackoffMillis <= 0 {
		c.Executor.MaxBackoffMillis = 5000
	}
	if c.Executor.GasBufferPercent <= 0 {
		c.Executor.GasBufferPercent = 20
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.RedisKey == "" {
		c.Events.RedisKey = "chaintrader:events"
	}
	if c.Events.RabbitQueue == "" {
		c.Events.RabbitQueue = "chaintrader.events"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.AuditEnabled && c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 校验互相依赖的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Credentials.Driver {
	case "file", "sqlite":
	case "mysql":
		if strings.TrimSpace(c.Storage.Credentials.DSN) == "" {
			return errors.New("mysql 凭证存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的凭证存储驱动: %s", c.Storage.Credentials.Driver)
	}

	switch c.LLM.Provider {
	case "openai", "deepseek":
	default:
		return fmt.Errorf("不支持的大模型 provider: %s", c.LLM.Provider)
	}

	switch c.Events.Driver {
	case "memory", "none":
	case "redis":
		if strings.TrimSpace(c.Events.RedisAddr) == "" {
			return errors.New("redis 事件驱动需要配置 redis_addr")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Events.RabbitURL) == "" {
			return errors.New("rabbitmq 事件驱动需要配置 rabbitmq_url")
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}

	switch c.Web3.DefaultNetwork {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("默认网络必须是 mainnet 或 testnet: %s", c.Web3.DefaultNetwork)
	}
	return nil
}

// QueryTimeout 返回单次链上查询的超时。
func (w Web3Config) QueryTimeout() time.Duration {
	return time.Duration(w.QueryTimeoutSeconds) * time.Second
}

// DialTimeout 返回建立连接的超时。
func (w Web3Config) DialTimeout() time.Duration {
	return time.Duration(w.DialTimeoutSeconds) * time.Second
}

// BreakerCooldown 返回熔断器打开后的冷却时间。
func (w Web3Config) BreakerCooldown() time.Duration {
	return time.Duration(w.BreakerCooldownSeconds) * time.Second
}

// BaseBackoff 返回首次重试前的等待时间。
func (e ExecutorConfig) BaseBackoff() time.Duration {
	return time.Duration(e.BaseBackoffMillis) * time.Millisecond
}

// MaxBackoff 返回重试等待的上限。
func (e ExecutorConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMillis) * time.Millisecond
}

// ConfirmTimeout 返回等待回执的时长，0 表示不等待。
func (e ExecutorConfig) ConfirmTimeout() time.Duration {
	return time.Duration(e.ConfirmTimeoutSeconds) * time.Second
}

// Timeout 返回单次模型调用的超时。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}
