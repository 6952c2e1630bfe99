package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/etherisc/esusfarm/internal/logger"
)

// DateLayout 配置中日期的格式
const DateLayout = "2006-01-02"

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Wallet     WalletConfig     `yaml:"wallet" json:"-"`
	Funding    FundingConfig    `yaml:"funding" json:"funding"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Jobs       JobsConfig       `yaml:"jobs" json:"jobs"`
	Log        logger.Config    `yaml:"log" json:"log"`
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
	Password        string `yaml:"password" json:"-"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DSN 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL        string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID       int64    `yaml:"chain_id" json:"chain_id"`

	// 合约地址
	ProductAddress  string `yaml:"product_address" json:"product_address"`
	TokenAddress    string `yaml:"token_address" json:"token_address"`
	RiskSetAddress  string `yaml:"risk_set_address" json:"risk_set_address"`
	InstanceAddress string `yaml:"instance_address" json:"instance_address"`

	// 固定 gas price (wei), 为 0 时使用节点建议值
	GasPrice    int64  `yaml:"gas_price" json:"gas_price"`
	MaxGasPrice int64  `yaml:"max_gas_price" json:"max_gas_price"`
	GasLimit    uint64 `yaml:"gas_limit" json:"gas_limit"`

	ReceiptTimeout      int `yaml:"receipt_timeout" json:"receipt_timeout"`             // 秒
	ReceiptPollInterval int `yaml:"receipt_poll_interval" json:"receipt_poll_interval"` // 毫秒
	NonceLockTimeout    int `yaml:"nonce_lock_timeout" json:"nonce_lock_timeout"`       // 秒
}

// ReceiptTimeoutDuration 回执等待超时
func (c BlockchainConfig) ReceiptTimeoutDuration() time.Duration {
	return time.Duration(c.ReceiptTimeout) * time.Second
}

// ReceiptPollDuration 回执轮询间隔
func (c BlockchainConfig) ReceiptPollDuration() time.Duration {
	return time.Duration(c.ReceiptPollInterval) * time.Millisecond
}

// WalletConfig 钱包配置, 助记词只通过环境变量注入
type WalletConfig struct {
	OperatorMnemonic string `yaml:"operator_mnemonic"`
	OperatorIndex    int    `yaml:"operator_index"`
	FarmerMnemonic   string `yaml:"farmer_mnemonic"`
	PersonBaseIndex  int    `yaml:"person_base_index"`
}

// FundingConfig 农户钱包注资配置
type FundingConfig struct {
	// 最低代币余额 (最小单位)
	MinTokenAmount int64 `yaml:"min_token_amount" json:"min_token_amount"`
	// 授权额度 (最小单位), 为 0 时等于 MinTokenAmount
	ApprovalAmount int64 `yaml:"approval_amount" json:"approval_amount"`
	// 授权对象, 为空时使用 product 合约
	SpenderAddress   string `yaml:"spender_address" json:"spender_address"`
	ApprovalGasLimit uint64 `yaml:"approval_gas_limit" json:"approval_gas_limit"`
	// 原生币注资 = approval_gas_limit * gas_price * native_multiplier
	NativeMultiplier int64 `yaml:"native_multiplier" json:"native_multiplier"`
}

// SyncConfig 同步引擎配置
type SyncConfig struct {
	LocationDecimals     int32    `yaml:"location_decimals" json:"location_decimals"`
	PayoutFactorDecimals int32    `yaml:"payout_factor_decimals" json:"payout_factor_decimals"`
	ValidCrops           []string `yaml:"valid_crops" json:"valid_crops"`
	MinSubscriptionDate  string   `yaml:"min_subscription_date" json:"min_subscription_date"`
	MaxSubscriptionDate  string   `yaml:"max_subscription_date" json:"max_subscription_date"`
	MaxMonetaryAmount    float64  `yaml:"max_monetary_amount" json:"max_monetary_amount"`
	Singleflight         bool     `yaml:"singleflight" json:"singleflight"`
}

// JobsConfig 定时任务配置 (cron 表达式含秒)
type JobsConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	ReconcileSpec    string `yaml:"reconcile_spec" json:"reconcile_spec"`
	SweepSpec        string `yaml:"sweep_spec" json:"sweep_spec"`
	SweepBatchSize   int    `yaml:"sweep_batch_size" json:"sweep_batch_size"`
	ReconcileBatch   int    `yaml:"reconcile_batch" json:"reconcile_batch"`
	RetentionSpec    string `yaml:"retention_spec" json:"retention_spec"`
	RunRetentionDays int    `yaml:"run_retention_days" json:"run_retention_days"` // 对账历史保留天数
	LockTTL          int    `yaml:"lock_ttl" json:"lock_ttl"` // 秒
	ExecutionTimeout int    `yaml:"execution_timeout" json:"execution_timeout"`
}

// Load 加载配置
//
// 同目录下的 .env 文件 (如果存在) 会先载入环境变量, 已存在的环境变量不会被覆盖。
func Load(configPath string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

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

func loadEnvFiles(files []string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	offset := 0
	for {
		start := strings.Index(result[offset:], "${")
		if start == -1 {
			break
		}
		start += offset
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(parts[0])
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
		offset = start + len(value)
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "esusfarm-sync"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.MetricsPort == 0 {
		cfg.Service.MetricsPort = 9161
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
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "esusfarm-sync"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地 anvil
	}
	if cfg.Blockchain.RPCURL == "" {
		cfg.Blockchain.RPCURL = "http://127.0.0.1:8545"
	}
	if cfg.Blockchain.GasLimit == 0 {
		cfg.Blockchain.GasLimit = 10_000_000
	}
	if cfg.Blockchain.ReceiptTimeout == 0 {
		cfg.Blockchain.ReceiptTimeout = 120
	}
	if cfg.Blockchain.ReceiptPollInterval == 0 {
		cfg.Blockchain.ReceiptPollInterval = 1000
	}
	if cfg.Blockchain.NonceLockTimeout == 0 {
		cfg.Blockchain.NonceLockTimeout = 30
	}

	if cfg.Wallet.PersonBaseIndex == 0 {
		cfg.Wallet.PersonBaseIndex = 100000
	}

	if cfg.Funding.MinTokenAmount == 0 {
		cfg.Funding.MinTokenAmount = 100000001
	}
	if cfg.Funding.ApprovalAmount == 0 {
		cfg.Funding.ApprovalAmount = cfg.Funding.MinTokenAmount
	}
	if cfg.Funding.ApprovalGasLimit == 0 {
		cfg.Funding.ApprovalGasLimit = 100_000
	}
	if cfg.Funding.NativeMultiplier == 0 {
		cfg.Funding.NativeMultiplier = 2
	}

	if cfg.Sync.LocationDecimals == 0 {
		cfg.Sync.LocationDecimals = 6
	}
	if cfg.Sync.PayoutFactorDecimals == 0 {
		cfg.Sync.PayoutFactorDecimals = 6
	}
	if len(cfg.Sync.ValidCrops) == 0 {
		cfg.Sync.ValidCrops = []string{"coffee", "maize"}
	}
	if cfg.Sync.MinSubscriptionDate == "" {
		cfg.Sync.MinSubscriptionDate = "2023-01-01"
	}
	if cfg.Sync.MaxSubscriptionDate == "" {
		cfg.Sync.MaxSubscriptionDate = "2024-12-31"
	}
	if cfg.Sync.MaxMonetaryAmount == 0 {
		cfg.Sync.MaxMonetaryAmount = 500000
	}

	if cfg.Jobs.ReconcileSpec == "" {
		cfg.Jobs.ReconcileSpec = "*/30 * * * * *"
	}
	if cfg.Jobs.SweepSpec == "" {
		cfg.Jobs.SweepSpec = "0 */5 * * * *"
	}
	if cfg.Jobs.SweepBatchSize == 0 {
		cfg.Jobs.SweepBatchSize = 20
	}
	if cfg.Jobs.ReconcileBatch == 0 {
		cfg.Jobs.ReconcileBatch = 50
	}
	if cfg.Jobs.RetentionSpec == "" {
		cfg.Jobs.RetentionSpec = "0 30 3 * * *"
	}
	if cfg.Jobs.RunRetentionDays == 0 {
		cfg.Jobs.RunRetentionDays = 30
	}
	if cfg.Jobs.LockTTL == 0 {
		cfg.Jobs.LockTTL = 60
	}
	if cfg.Jobs.ExecutionTimeout == 0 {
		cfg.Jobs.ExecutionTimeout = 240
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = cfg.Service.Name
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 7
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 30
		}
	}
}

// Validate 校验静态配置
func (c *Config) Validate() error {
	var errs []error

	for name, addr := range map[string]string{
		"blockchain.product_address":  c.Blockchain.ProductAddress,
		"blockchain.token_address":    c.Blockchain.TokenAddress,
		"blockchain.risk_set_address": c.Blockchain.RiskSetAddress,
		"blockchain.instance_address": c.Blockchain.InstanceAddress,
		"funding.spender_address":     c.Funding.SpenderAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s: invalid address %q", name, addr))
		}
	}

	if c.Wallet.OperatorIndex < 0 {
		errs = append(errs, errors.New("wallet.operator_index must not be negative"))
	}
	if c.Sync.LocationDecimals < 0 || c.Sync.LocationDecimals > 18 {
		errs = append(errs, fmt.Errorf("sync.location_decimals out of range: %d", c.Sync.LocationDecimals))
	}
	if c.Sync.PayoutFactorDecimals < 0 || c.Sync.PayoutFactorDecimals > 18 {
		errs = append(errs, fmt.Errorf("sync.payout_factor_decimals out of range: %d", c.Sync.PayoutFactorDecimals))
	}
	if c.Funding.MinTokenAmount < 0 || c.Funding.ApprovalAmount < 0 {
		errs = append(errs, errors.New("funding amounts must not be negative"))
	}

	minDate, err1 := time.Parse(DateLayout, c.Sync.MinSubscriptionDate)
	maxDate, err2 := time.Parse(DateLayout, c.Sync.MaxSubscriptionDate)
	switch {
	case err1 != nil:
		errs = append(errs, fmt.Errorf("sync.min_subscription_date: %w", err1))
	case err2 != nil:
		errs = append(errs, fmt.Errorf("sync.max_subscription_date: %w", err2))
	case !minDate.Before(maxDate):
		errs = append(errs, errors.New("sync.min_subscription_date must be before max_subscription_date"))
	}

	return errors.Join(errs...)
}

// SubscriptionWindow 返回保单生效日期的有效区间
func (c SyncConfig) SubscriptionWindow() (time.Time, time.Time) {
	minDate, _ := time.Parse(DateLayout, c.MinSubscriptionDate)
	maxDate, _ := time.Parse(DateLayout, c.MaxSubscriptionDate)
	return minDate, maxDate
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
