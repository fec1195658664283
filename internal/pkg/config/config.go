package config

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	App        AppConfig        `mapstructure:"app"`
	PriceFeed  PriceFeedConfig  `mapstructure:"pricefeed"`
	Quote      QuoteConfig      `mapstructure:"quote"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	KYT        KYTConfig        `mapstructure:"kyt"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AppConfig struct {
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

// PriceFeedConfig 黄金参考价行情源配置
type PriceFeedConfig struct {
	URL                 string        `mapstructure:"url"`      // 行情接口地址
	AssetID             string        `mapstructure:"asset_id"` // 如 tether-gold
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	FallbackUSDPerOunce float64       `mapstructure:"fallback_usd_per_ounce"` // 行情不可用时的兜底价
}

// QuoteConfig 报价引擎配置
type QuoteConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`          // 单次报价有效期
	PremiumRate float64       `mapstructure:"premium_rate"` // 溢价率，如 0.15 表示 +15%
}

// SettlementConfig 结算窗口配置
type SettlementConfig struct {
	Window            time.Duration `mapstructure:"window"`              // 首笔到账后允许补款的窗口
	MinStartRatio     float64       `mapstructure:"min_start_ratio"`     // 启动结算窗口的最低支付比例
	IncompleteFeeRate float64       `mapstructure:"incomplete_fee_rate"` // 窗口到期未付清时的手续费率
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`      // 窗口到期扫描间隔
}

type KYTConfig struct {
	ProviderURL    string        `mapstructure:"provider_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetry       int           `mapstructure:"max_retry"`
	WorkerNum      int           `mapstructure:"worker_num"`
	QueueSize      int           `mapstructure:"queue_size"`
}

var GlobalConfig Config

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return errors.New("database configuration is incomplete")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.Quote.TTL <= 0 {
		return errors.New("quote.ttl must be positive")
	}
	if c.Quote.PremiumRate < 0 {
		return errors.New("quote.premium_rate must not be negative")
	}
	if c.Settlement.Window <= 0 {
		return errors.New("settlement.window must be positive")
	}
	if c.Settlement.MinStartRatio <= 0 || c.Settlement.MinStartRatio > 1 {
		return errors.New("settlement.min_start_ratio must be in (0, 1]")
	}
	if c.Settlement.IncompleteFeeRate < 0 || c.Settlement.IncompleteFeeRate >= 1 {
		return errors.New("settlement.incomplete_fee_rate must be in [0, 1)")
	}
	if c.PriceFeed.FallbackUSDPerOunce <= 0 {
		return errors.New("pricefeed.fallback_usd_per_ounce must be positive")
	}
	return nil
}

// LoadConfig 加载配置
func LoadConfig() {
	// 获取环境变量，默认为dev
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 根据环境选择配置文件
	configName := "config"
	if env != "" && env != "dev" {
		configName = "config." + env
	}

	viper.SetConfigName(configName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// 设置默认值
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("app.env", "dev")
	viper.SetDefault("app.debug", true)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.timezone", "UTC")
	viper.SetDefault("pricefeed.url", "https://api.coingecko.com/api/v3/simple/price")
	viper.SetDefault("pricefeed.asset_id", "tether-gold")
	viper.SetDefault("pricefeed.poll_interval", time.Minute)
	viper.SetDefault("pricefeed.request_timeout", 10*time.Second)
	viper.SetDefault("pricefeed.fallback_usd_per_ounce", 2640.0)
	viper.SetDefault("quote.ttl", 120*time.Second)
	viper.SetDefault("quote.premium_rate", 0.15)
	viper.SetDefault("settlement.window", time.Hour)
	viper.SetDefault("settlement.min_start_ratio", 0.10)
	viper.SetDefault("settlement.incomplete_fee_rate", 0.05)
	viper.SetDefault("settlement.sweep_interval", 30*time.Second)
	viper.SetDefault("kyt.request_timeout", 15*time.Second)
	viper.SetDefault("kyt.max_retry", 3)
	viper.SetDefault("kyt.worker_num", 4)
	viper.SetDefault("kyt.queue_size", 256)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Config file not found, using defaults or env vars: %v", err)
	}

	// 绑定环境变量
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode into struct: %v", err)
	}

	// 手动覆盖，以防 viper 无法正确解析复杂结构或环境变量
	if host := os.Getenv("DB_HOST"); host != "" {
		GlobalConfig.Database.Host = host
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		GlobalConfig.Redis.Addr = redisAddr
	}
	if kytURL := os.Getenv("KYT_PROVIDER_URL"); kytURL != "" {
		GlobalConfig.KYT.ProviderURL = kytURL
	}

	// 验证配置
	if err := GlobalConfig.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	log.Printf("Configuration loaded and validated successfully. Environment: %s", GlobalConfig.App.Env)
}
