package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig 配置缺失或非法，启动阶段即失败，不做重试
var ErrInvalidConfig = errors.New("配置非法")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	ETCD      ETCDConfig      `mapstructure:"etcd"`
	Lock      LockConfig      `mapstructure:"lock"`
	Entropy   EntropyConfig   `mapstructure:"entropy"`
	Draw      DrawConfig      `mapstructure:"draw"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
	GraphQL   GraphQLConfig   `mapstructure:"graphql"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	// mysql 或 memory
	Driver string `mapstructure:"driver"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 报告缓存使用的Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ReportTTL   time.Duration `mapstructure:"report_ttl"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	EventsTopic   string   `mapstructure:"events_topic"`
	CommandsTopic string   `mapstructure:"commands_topic"`
	GroupID       string   `mapstructure:"group_id"`
	Workers       int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LockConfig struct {
	// local、etcd 或 redis
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// EntropyConfig 区块链熵源配置
type EntropyConfig struct {
	APIURL          string        `mapstructure:"api_url"`
	TargetIncrement int64         `mapstructure:"target_increment"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type DrawConfig struct {
	ServerSeedPublic string        `mapstructure:"server_seed_public"`
	DefaultWinners   int           `mapstructure:"default_winners"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

type SchedulerConfig struct {
	SweepSpec string `mapstructure:"sweep_spec"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

var AppConfig Config

// setDefaults 设置默认值，与原有轮询参数保持一致
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.report_ttl", 10*time.Minute)
	v.SetDefault("kafka.events_topic", "giveaway-events")
	v.SetDefault("kafka.commands_topic", "giveaway-commands")
	v.SetDefault("kafka.group_id", "fairdraw")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 5*time.Second)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 90*time.Second)
	v.SetDefault("entropy.target_increment", 2)
	v.SetDefault("entropy.poll_interval", 1500*time.Millisecond)
	v.SetDefault("entropy.max_attempts", 40)
	v.SetDefault("entropy.request_timeout", 10*time.Second)
	v.SetDefault("draw.default_winners", 1)
	v.SetDefault("draw.retry_delay", 30*time.Second)
	v.SetDefault("draw.max_retries", 5)
	v.SetDefault("scheduler.sweep_spec", "@every 1m")
	v.SetDefault("ratelimit.requests_per_second", 5)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("graphql.path", "/graphql")
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 校验启动所必需的配置项
func (c *Config) Validate() error {
	u, err := url.Parse(c.Entropy.APIURL)
	if c.Entropy.APIURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: entropy.api_url 必须是 http(s) 地址: %q", ErrInvalidConfig, c.Entropy.APIURL)
	}
	if c.Entropy.TargetIncrement < 1 {
		return fmt.Errorf("%w: entropy.target_increment 必须大于0", ErrInvalidConfig)
	}
	if c.Entropy.MaxAttempts < 1 {
		return fmt.Errorf("%w: entropy.max_attempts 必须大于0", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Draw.ServerSeedPublic) == "" {
		return fmt.Errorf("%w: draw.server_seed_public 不能为空", ErrInvalidConfig)
	}
	if c.Draw.DefaultWinners < 1 {
		return fmt.Errorf("%w: draw.default_winners 必须大于0", ErrInvalidConfig)
	}
	switch c.Storage.Driver {
	case "mysql", "memory":
	default:
		return fmt.Errorf("%w: 未知的存储驱动 %q", ErrInvalidConfig, c.Storage.Driver)
	}
	switch c.Lock.Backend {
	case "local", "etcd", "redis":
	default:
		return fmt.Errorf("%w: 未知的锁后端 %q", ErrInvalidConfig, c.Lock.Backend)
	}
	if c.Lock.Backend == "redis" && len(c.Redis.LockAddresses) == 0 {
		return fmt.Errorf("%w: redis 锁需要配置 redis.lock_addresses", ErrInvalidConfig)
	}
	if c.Lock.Backend == "etcd" && len(c.ETCD.Endpoints) == 0 {
		return fmt.Errorf("%w: etcd 锁需要配置 etcd.endpoints", ErrInvalidConfig)
	}
	return nil
}
