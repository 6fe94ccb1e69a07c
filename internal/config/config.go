package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了结算预言机在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Web3    Web3Config    `json:"web3"`
	Queue   QueueConfig   `json:"queue"`
	Alerts  AlertConfig   `json:"alerts"`
	Jobs    JobsConfig    `json:"jobs"`
	Logging LoggingConfig `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
}

// LoggingConfig 控制进程日志的级别与格式。审计日志始终开启，
// 落在 Runtime.LogDir 下。
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ServerConfig 控制触发接口的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// AuthConfig 配置触发接口的共享密钥。两枚令牌都为空时鉴权关闭。
type AuthConfig struct {
	SchedulerToken string `json:"scheduler_token"`
	AdminToken     string `json:"admin_token"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	EscrowStore EscrowStoreConfig `json:"escrow_store"`
	Redis       RedisConfig       `json:"redis"`
}

// EscrowStoreConfig 选择托管记录的持久化后端。
type EscrowStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// RedisConfig 描述告警限流计数使用的 Redis。地址为空时退化为进程内计数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	// ChainConfig 是链定义文件（YAML）的路径。
	ChainConfig string `json:"chain_config"`
	// SignerKey 是结算签名账户的私钥，十六进制。
	SignerKey string `json:"signer_key"`
	// DefaultChain 指定默认使用的链名。
	DefaultChain string `json:"default_chain"`
}

// QueueConfig 描述结算完成事件的投递队列。地址为空时不投递。
type QueueConfig struct {
	RabbitURL string `json:"rabbit_url"`
	Queue     string `json:"queue"`
}

// AlertConfig 配置告警通知渠道。
type AlertConfig struct {
	DingTalkWebhook  string `json:"dingtalk_webhook"`
	SlackWebhookURL  string `json:"slack_webhook_url"`
	MismatchEscalate int    `json:"mismatch_escalate"`
}

// JobsConfig 调整定时作业的参数。
type JobsConfig struct {
	// BatchCap 是单批最多处理的托管单数。
	BatchCap int `json:"batch_cap"`
	// ReconcileWindow 是对账单窗扫描的区块数。
	ReconcileWindow uint64 `json:"reconcile_window"`
	// ReconcileLookback 是无检查点时回看的区块数。
	ReconcileLookback uint64 `json:"reconcile_lookback"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	LogDir  string `json:"log_dir"`
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

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.EscrowStore.Driver == "" {
		c.Storage.EscrowStore.Driver = "memory"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Queue.Queue == "" {
		c.Queue.Queue = "escrow.settlements"
	}

	if c.Jobs.BatchCap <= 0 {
		c.Jobs.BatchCap = 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Runtime.LogDir == "" {
		c.Runtime.LogDir = filepath.Join(c.Runtime.DataDir, "logs")
	} else if !filepath.IsAbs(c.Runtime.LogDir) {
		c.Runtime.LogDir = filepath.Join(baseDir, c.Runtime.LogDir)
	}
}
