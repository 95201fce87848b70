package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构体（完全匹配config.yaml）
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`   // 服务器配置
	Database DatabaseConfig `mapstructure:"database"` // PostgreSQL配置
	Redis    RedisConfig    `mapstructure:"redis"`    // Redis配置（跨实例生成锁，可选）
	Cache    CacheConfig    `mapstructure:"cache"`    // 对比缓存配置
	Source   SourceConfig   `mapstructure:"source"`   // 行数据/分析结果来源
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int    `mapstructure:"port"` // 服务端口
	Mode string `mapstructure:"mode"` // Gin运行模式：debug/release/test
}

// DatabaseConfig PostgreSQL数据库配置
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`               // 连接DSN
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大存活时间
}

// RedisConfig Redis配置，Addr 为空时只使用进程内互斥
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"` // 锁 key 前缀
	LockTTL   time.Duration `mapstructure:"lock_ttl"`   // 生成锁过期时间
}

// CacheConfig 对比缓存与分页配置
type CacheConfig struct {
	StatusTimeout          time.Duration `mapstructure:"status_timeout"`           // 轻量请求（状态/摘要）超时
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`          // 重请求（生成/数据/下载）超时
	GenerationTimeout      time.Duration `mapstructure:"generation_timeout"`       // 单次全量扫描超时
	StaleGenerationAfter   time.Duration `mapstructure:"stale_generation_after"`   // generating 超过该时长视为失败
	GenerationWorkers      int64         `mapstructure:"generation_workers"`       // 同时进行的生成任务上限
	MaxPageLimit           int           `mapstructure:"max_page_limit"`           // 单页最大条数
	DefaultPageLimit       int           `mapstructure:"default_page_limit"`       // 默认每页条数
	ExportBatchSize        int           `mapstructure:"export_batch_size"`        // 导出时每批读取条数
	RetainVersions         int           `mapstructure:"retain_versions"`          // 保留的历史版本数（含当前）
	PublishBatchSize       int           `mapstructure:"publish_batch_size"`       // 写入记录时每批条数
	ScrollThreshold        int           `mapstructure:"scroll_threshold"`         // 客户端距末尾多少行时加载下一页
	ExpectRowCountsMatched bool          `mapstructure:"expect_row_counts_matched"` // 扫描行数与 run 记录不一致时判为失败
}

// SourceConfig 分析结果来源：database 直接读库，remote 走 HTTP
type SourceConfig struct {
	Kind      string `mapstructure:"kind"`       // database / remote
	BaseURL   string `mapstructure:"base_url"`   // remote 模式的 API 基础地址
	Timeout   int    `mapstructure:"timeout"`    // 请求超时（秒）
	AuthToken string `mapstructure:"auth_token"` // 通用认证Token
	Proxy     string `mapstructure:"proxy"`      // 代理地址
	BatchSize int    `mapstructure:"batch_size"` // database 模式按批读取行数
}

// LoadConfig 加载配置文件（config/config.yaml），敏感项从 .env 覆盖（不提交 git）
func LoadConfig() (*Config, error) {
	// 1. 加载 .env（若存在），env 中的值会覆盖 config.yaml 中同名字段
	_ = godotenv.Load() // 忽略错误（.env 可不存在）

	// 2. 读取 config.yaml
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 敏感字段：用 env 覆盖（优先级 env > yaml）
	overrideFromEnv(&cfg)
	return &cfg, nil
}

// Default 不依赖配置文件的默认配置（测试与 CLI 使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("redis.key_prefix", "keycompare:lock:")
	v.SetDefault("redis.lock_ttl", 15*time.Minute)
	v.SetDefault("cache.status_timeout", 10*time.Second)
	v.SetDefault("cache.request_timeout", 30*time.Second)
	v.SetDefault("cache.generation_timeout", 10*time.Minute)
	v.SetDefault("cache.stale_generation_after", 30*time.Minute)
	v.SetDefault("cache.generation_workers", 4)
	v.SetDefault("cache.max_page_limit", 1000)
	v.SetDefault("cache.default_page_limit", 100)
	v.SetDefault("cache.export_batch_size", 500)
	v.SetDefault("cache.retain_versions", 2)
	v.SetDefault("cache.publish_batch_size", 1000)
	v.SetDefault("cache.scroll_threshold", 20)
	v.SetDefault("cache.expect_row_counts_matched", true)
	v.SetDefault("source.kind", "database")
	v.SetDefault("source.timeout", 30)
	v.SetDefault("source.batch_size", 1000)
}

// overrideFromEnv 用环境变量覆盖敏感配置
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SOURCE_AUTH_TOKEN"); v != "" {
		cfg.Source.AuthToken = v
	}
	if v := os.Getenv("SOURCE_PROXY"); v != "" {
		cfg.Source.Proxy = v
	}
}
