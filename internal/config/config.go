package config

import (
	"strings"
	"time"

	"github.com/blues/microfund/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Price      PriceConfig      `mapstructure:"price"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Task       TaskConfig       `mapstructure:"task"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ChainConfig 结算链配置
type ChainConfig struct {
	Mode          string         `mapstructure:"mode"`          // ethereum 或 simulated
	ChainType     string         `mapstructure:"chain_type"`    // 链类型 (ethereum, polygon, etc.)
	ChainId       int64          `mapstructure:"chain_id"`      // 链ID
	RpcUrl        string         `mapstructure:"rpc_url"`       // RPC节点URL
	PrivateKey    string         `mapstructure:"private_key"`   // 平台运营私钥
	Signers       []string       `mapstructure:"signers"`       // 托管钱包私钥
	Confirmations int            `mapstructure:"confirmations"` // 确认区块数
	Contract      ContractConfig `mapstructure:"contract"`      // 众筹合约
}

// ContractConfig 合约配置
type ContractConfig struct {
	Address string `mapstructure:"address"`  // 合约地址
	ABIPath string `mapstructure:"abi_path"` // ABI文件路径，为空时使用内置ABI
}

// PriceConfig 汇率源配置
type PriceConfig struct {
	URL      string            `mapstructure:"url"`       // 支持 {currency} 占位符
	JSONPath string            `mapstructure:"json_path"` // gjson 路径，支持 {currency} 占位符
	TTL      time.Duration     `mapstructure:"ttl"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Decimals int32             `mapstructure:"decimals"` // 结算资产最小单位精度
	Defaults map[string]string `mapstructure:"defaults"` // 静态兜底汇率
}

// PlatformConfig 平台限制
type PlatformConfig struct {
	MinTarget string `mapstructure:"min_target"`
	MaxTarget string `mapstructure:"max_target"`
}

// SettlementConfig 结算层调用配置
type SettlementConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`    // 单次节点调用（读取、签名、广播）
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"` // 等待交易上链
	DropAfter      time.Duration `mapstructure:"drop_after"`      // 节点不认识的待确认交易超过该时长视为丢弃
}

type ReconcileConfig struct {
	GraceWindow time.Duration `mapstructure:"grace_window"`
	Workers     int           `mapstructure:"workers"`
}

type TaskConfig struct {
	Interval int  `mapstructure:"interval"` // 秒
	Enabled  bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, stderr, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

// GetLevel 实现 logger.LogConfig 接口
func (l LogConfig) GetLevel() string {
	return l.Level
}

// GetOutput 实现 logger.LogConfig 接口
func (l LogConfig) GetOutput() string {
	return l.Output
}

// GetFile 实现 logger.LogConfig 接口
func (l LogConfig) GetFile() string {
	return l.File
}

// SetDefaults 设置默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "microfund")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("chain.mode", "ethereum")
	v.SetDefault("chain.chain_type", "ethereum")
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.confirmations", 2)
	v.SetDefault("price.url", "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies={currency}")
	v.SetDefault("price.json_path", "ethereum.{currency}")
	v.SetDefault("price.ttl", 5*time.Minute)
	v.SetDefault("price.timeout", 3*time.Second)
	v.SetDefault("price.decimals", 18)
	v.SetDefault("platform.min_target", "100")
	v.SetDefault("platform.max_target", "1000000")
	v.SetDefault("settlement.call_timeout", 10*time.Second)
	v.SetDefault("settlement.confirm_timeout", 45*time.Second)
	v.SetDefault("settlement.drop_after", 15*time.Minute)
	v.SetDefault("reconcile.grace_window", 30*time.Minute)
	v.SetDefault("reconcile.workers", 8)
	v.SetDefault("task.interval", 60)
	v.SetDefault("task.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/app.log")
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/microfund")

	SetDefaults(v)

	// 环境变量覆盖，例如 MICROFUND_CHAIN_RPC_URL
	v.SetEnvPrefix("microfund")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Could not read config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		logger.Fatal("Unable to decode config into struct: %v", err)
	}

	return &config
}
