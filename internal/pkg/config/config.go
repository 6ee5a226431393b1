package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Log      LogConfig      `mapstructure:"log"`
	GitLab   GitLabConfig   `mapstructure:"gitlab"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // mysql, mongo, memory
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	LogLevel        string `mapstructure:"log_level"`         // SQL日志级别: silent/error/warn/info
	MongoURI        string `mapstructure:"mongo_uri"`
}

// AuthConfig 认证配置（会话由外部身份提供方签发）
type AuthConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"` // 为空时不校验 iss
}

// CryptoConfig 加密配置
type CryptoConfig struct {
	AESKey string `mapstructure:"aes_key"` // 32字节原文、64位十六进制或任意长度口令
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, console
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// GitLabConfig GitLab 实例与 OAuth 应用配置
type GitLabConfig struct {
	APIBase        string   `mapstructure:"api_base"`     // 例如 https://gitlab.com/api/v4
	InstanceURL    string   `mapstructure:"instance_url"` // 例如 https://gitlab.com
	ClientID       string   `mapstructure:"client_id"`
	ClientSecret   string   `mapstructure:"client_secret"`
	RedirectURL    string   `mapstructure:"redirect_url"`
	Scopes         []string `mapstructure:"scopes"`
	RequestTimeout string   `mapstructure:"request_timeout"`
}

// SyncConfig 活动同步配置
type SyncConfig struct {
	Enabled        bool   `mapstructure:"enabled"`          // 是否启用定时同步
	Cron           string `mapstructure:"cron"`             // Cron表达式（秒 分 时 日 月 周）
	MaxProjects    int    `mapstructure:"max_projects"`     // 单次同步扫描的项目上限
	PerPage        int    `mapstructure:"per_page"`         // 分页大小
	MaxCommitPages int    `mapstructure:"max_commit_pages"` // 单项目提交分页上限
	Concurrency    int    `mapstructure:"concurrency"`      // 项目并发拉取数
	RunTimeout     string `mapstructure:"run_timeout"`      // 定时同步单次超时
	RetryCount     int    `mapstructure:"retry_count"`      // 429 重试次数
	RetryBackoff   string `mapstructure:"retry_backoff"`    // 重试初始退避
	DefaultDays    int    `mapstructure:"default_days"`     // 首次增量同步回溯天数
	FullDays       int    `mapstructure:"full_days"`        // 全量同步回溯天数
}

// RedisConfig Redis 配置（用于跨实例同步锁）
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	LockTTL  string `mapstructure:"lock_ttl"`
}

// 环境变量到配置键的显式映射
var envBindings = map[string]string{
	"gitlab.api_base":      "GITLAB_API_BASE",
	"gitlab.instance_url":  "GITLAB_ISSUER",
	"gitlab.client_id":     "GITLAB_CLIENT_ID",
	"gitlab.client_secret": "GITLAB_CLIENT_SECRET",
	"gitlab.redirect_url":  "GITLAB_REDIRECT_URL",
	"crypto.aes_key":       "TOKEN_ENCRYPTION_KEY",
	"auth.jwt.secret":      "JWT_SECRET",
	"database.mongo_uri":   "MONGODB_URI",
	"redis.addr":           "REDIS_ADDR",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "gitlab-tracker")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.log_level", "silent")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("gitlab.api_base", "https://gitlab.com/api/v4")
	v.SetDefault("gitlab.instance_url", "https://gitlab.com")
	v.SetDefault("gitlab.scopes", []string{"read_user", "read_api", "read_repository"})
	v.SetDefault("gitlab.request_timeout", "30s")

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.cron", "0 0 */6 * * *")
	v.SetDefault("sync.max_projects", 50)
	v.SetDefault("sync.per_page", 100)
	v.SetDefault("sync.max_commit_pages", 10)
	v.SetDefault("sync.concurrency", 5)
	v.SetDefault("sync.run_timeout", "2m")
	v.SetDefault("sync.retry_count", 3)
	v.SetDefault("sync.retry_backoff", "1s")
	v.SetDefault("sync.default_days", 30)
	v.SetDefault("sync.full_days", 365)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.lock_ttl", "5m")
}

// Load 加载配置
// 加载顺序: .env -> 默认值 -> 配置文件 -> 环境变量
func Load(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Crypto.AESKey == "" {
		return errors.New("未配置 crypto.aes_key (TOKEN_ENCRYPTION_KEY)")
	}
	switch c.Database.Driver {
	case "mysql", "mongo", "memory":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	for name, raw := range map[string]string{
		"gitlab.request_timeout": c.GitLab.RequestTimeout,
		"sync.run_timeout":       c.Sync.RunTimeout,
		"sync.retry_backoff":     c.Sync.RetryBackoff,
		"redis.lock_ttl":         c.Redis.LockTTL,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("配置 %s 不是合法的时长: %w", name, err)
		}
	}
	return nil
}

// GetDSN 获取数据库DSN
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// Duration 解析时长配置，空值或非法值返回默认值
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
