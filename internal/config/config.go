package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FundLockMargin 基金锁在确认超时之外预留的余量 (投影落库、网络抖动)
const FundLockMargin = 30 * time.Second

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Fund       FundConfig       `yaml:"fund" json:"fund"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	GRPCPort    int    `yaml:"grpc_port" json:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"`
	Env         string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// DSN 返回 pgx 连接串
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string   `yaml:"key_prefix" json:"key_prefix"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	SASL     SASLCfg  `yaml:"sasl" json:"sasl"`
}

// SASLCfg Kafka SASL 认证，mechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
type SASLCfg struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Mechanism string `yaml:"mechanism" json:"mechanism"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL          string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs   []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID         int64    `yaml:"chain_id" json:"chain_id"`
	ContractAddress string   `yaml:"contract_address" json:"contract_address"`
	PrivateKey      string   `yaml:"private_key" json:"private_key"`
	Confirmations   uint64   `yaml:"confirmations" json:"confirmations"`
	ConfirmTimeout  int      `yaml:"confirm_timeout" json:"confirm_timeout"` // 秒
	PollInterval    int      `yaml:"poll_interval" json:"poll_interval"`     // 毫秒
	MaxGasPriceGwei int64    `yaml:"max_gas_price_gwei" json:"max_gas_price_gwei"`
}

// RPCURLs 主节点在前，备用节点在后
func (c *BlockchainConfig) RPCURLs() []string {
	urls := make([]string, 0, 1+len(c.BackupRPCURLs))
	if c.RPCURL != "" {
		urls = append(urls, c.RPCURL)
	}
	for _, u := range c.BackupRPCURLs {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// ConfirmTimeoutDuration 确认超时
func (c *BlockchainConfig) ConfirmTimeoutDuration() time.Duration {
	return time.Duration(c.ConfirmTimeout) * time.Second
}

// PollIntervalDuration 回执轮询间隔
func (c *BlockchainConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// FundConfig 基金业务配置
type FundConfig struct {
	RequiredApprovals int `yaml:"required_approvals" json:"required_approvals"`
	LockWait          int `yaml:"lock_wait" json:"lock_wait"`                   // 毫秒，不小于 confirm_timeout + FundLockMargin
	IntentExpiry      int `yaml:"intent_expiry" json:"intent_expiry"`           // 秒，超过确认超时后仍无回执即判定过期
	RecoveryBatchSize int `yaml:"recovery_batch_size" json:"recovery_batch_size"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	Enabled              bool              `yaml:"enabled" json:"enabled"`
	MaxConcurrentJobs    int               `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	AuditBatchSize       int               `yaml:"audit_batch_size" json:"audit_batch_size"`
	IntentRetentionHours int               `yaml:"intent_retention_hours" json:"intent_retention_hours"`
	Jobs                 map[string]JobCfg `yaml:"jobs" json:"jobs"`
}

// JobCfg 单个任务配置，Cron 为空时使用默认表达式
type JobCfg struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Cron    string `yaml:"cron" json:"cron"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if len(c.Blockchain.RPCURLs()) == 0 {
		return fmt.Errorf("blockchain.rpc_url is required")
	}
	if c.Blockchain.ContractAddress == "" {
		return fmt.Errorf("blockchain.contract_address is required")
	}
	if c.Blockchain.PrivateKey == "" {
		return fmt.Errorf("blockchain.private_key is required")
	}
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis.addresses is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Kafka.SASL.Enabled {
		switch c.Kafka.SASL.Mechanism {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("unsupported kafka.sasl.mechanism %q", c.Kafka.SASL.Mechanism)
		}
		if c.Kafka.SASL.Username == "" {
			return fmt.Errorf("kafka.sasl.username is required when sasl is enabled")
		}
	}
	if c.Fund.RequiredApprovals < 1 {
		return fmt.Errorf("fund.required_approvals must be positive")
	}
	// 持锁方最长占用一次完整的 提交 -> 确认 -> 落库，等待方必须能等过它
	if floor := c.Blockchain.ConfirmTimeoutDuration() + FundLockMargin; c.Fund.LockWaitDuration() < floor {
		return fmt.Errorf("fund.lock_wait must be at least %dms (confirm_timeout + %s)", floor.Milliseconds(), FundLockMargin)
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "fund-ledger"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.MetricsPort == 0 {
		cfg.Service.MetricsPort = 9101
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "fund-ledger:"
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "fund-ledger"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.Confirmations == 0 {
		cfg.Blockchain.Confirmations = 1
	}
	if cfg.Blockchain.ConfirmTimeout == 0 {
		cfg.Blockchain.ConfirmTimeout = 60
	}
	if cfg.Blockchain.PollInterval == 0 {
		cfg.Blockchain.PollInterval = 1000
	}
	if cfg.Blockchain.MaxGasPriceGwei == 0 {
		cfg.Blockchain.MaxGasPriceGwei = 500
	}

	if cfg.Fund.RequiredApprovals == 0 {
		cfg.Fund.RequiredApprovals = 2
	}
	if cfg.Fund.LockWait == 0 {
		cfg.Fund.LockWait = int((cfg.Blockchain.ConfirmTimeoutDuration() + FundLockMargin).Milliseconds())
	}
	if cfg.Fund.IntentExpiry == 0 {
		cfg.Fund.IntentExpiry = 1800
	}
	if cfg.Fund.RecoveryBatchSize == 0 {
		cfg.Fund.RecoveryBatchSize = 100
	}

	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 3
	}
	if cfg.Scheduler.AuditBatchSize == 0 {
		cfg.Scheduler.AuditBatchSize = 50
	}
	if cfg.Scheduler.IntentRetentionHours == 0 {
		cfg.Scheduler.IntentRetentionHours = 24 * 7
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// LockWaitDuration 基金锁最长等待
func (c *FundConfig) LockWaitDuration() time.Duration {
	return time.Duration(c.LockWait) * time.Millisecond
}

// IntentExpiryDuration 意图过期宽限
func (c *FundConfig) IntentExpiryDuration() time.Duration {
	return time.Duration(c.IntentExpiry) * time.Second
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
