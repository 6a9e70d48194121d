package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 定义整个应用的配置结构
type Config struct {
	Redis  RedisConfig  `mapstructure:"redis"`
	Etcd   EtcdConfig   `mapstructure:"etcd"`
	API    APIConfig    `mapstructure:"api"`
	Health HealthConfig `mapstructure:"health"`
	Client ClientConfig `mapstructure:"client"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Log    LogConfig    `mapstructure:"log"`
}

// RedisConfig 消息队列使用的Redis配置，URL优先于Addr
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EtcdConfig etcd配置
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Prefix      string        `mapstructure:"prefix"`
}

// APIConfig 管理API配置
type APIConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// Address 返回监听地址
func (c APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Path        string        `mapstructure:"path"`
	Concurrency int           `mapstructure:"concurrency"`
}

// ClientConfig 服务调用客户端配置
type ClientConfig struct {
	Strategy string        `mapstructure:"strategy"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retry    RetryConfig   `mapstructure:"retry"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Base         float64       `mapstructure:"base"`
	Jitter       bool          `mapstructure:"jitter"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// QueueConfig 消息队列配置
type QueueConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	HistoryLimit      int64         `mapstructure:"history_limit"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")           // 配置文件名（无扩展名）
		v.AddConfigPath(".")                // 当前目录
		v.AddConfigPath("./configs")        // configs目录
		v.AddConfigPath("$HOME/.kong-mesh") // 用户目录
		v.AddConfigPath("/etc/kong-mesh")   // 系统目录
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认配置和环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("KONG_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default 返回只包含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// 默认值都是合法类型，不会解析失败
	_ = v.Unmarshal(&config)
	return &config
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Health.Concurrency < 1 {
		return fmt.Errorf("health.concurrency 必须大于0: %d", c.Health.Concurrency)
	}
	if c.Client.Retry.MaxAttempts < 1 {
		return fmt.Errorf("client.retry.max_attempts 必须大于0: %d", c.Client.Retry.MaxAttempts)
	}
	if c.Client.Breaker.FailureThreshold < 1 || c.Client.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("熔断器阈值必须大于0")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers 必须大于0: %d", c.Queue.Workers)
	}
	return nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// Redis默认配置
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.prefix", "/services")

	// 管理API默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8090)

	// 健康检查默认配置
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.timeout", "10s")
	v.SetDefault("health.path", "/health")
	v.SetDefault("health.concurrency", 10)

	// 客户端默认配置
	v.SetDefault("client.strategy", "round_robin")
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("client.retry.max_attempts", 3)
	v.SetDefault("client.retry.initial_delay", "1s")
	v.SetDefault("client.retry.max_delay", "60s")
	v.SetDefault("client.retry.base", 2.0)
	v.SetDefault("client.retry.jitter", true)
	v.SetDefault("client.breaker.failure_threshold", 5)
	v.SetDefault("client.breaker.recovery_timeout", "60s")
	v.SetDefault("client.breaker.success_threshold", 3)

	// 消息队列默认配置
	v.SetDefault("queue.workers", 3)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.scheduler_interval", "10s")
	v.SetDefault("queue.retry_base_delay", "1s")
	v.SetDefault("queue.max_retry_delay", "300s")
	v.SetDefault("queue.history_limit", 1000)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// bindEnvVariables 绑定常用的环境变量
func bindEnvVariables(v *viper.Viper) {
	_ = v.BindEnv("redis.url", "KONG_MESH_REDIS_URL")
	_ = v.BindEnv("redis.addr", "KONG_MESH_REDIS_ADDR")
	_ = v.BindEnv("etcd.endpoints", "KONG_MESH_ETCD_ENDPOINTS")
	_ = v.BindEnv("api.port", "KONG_MESH_API_PORT")
	_ = v.BindEnv("client.strategy", "KONG_MESH_STRATEGY")
	_ = v.BindEnv("queue.workers", "KONG_MESH_QUEUE_WORKERS")
	_ = v.BindEnv("log.level", "KONG_MESH_LOG_LEVEL")
}

// GetDefaultConfigPath 返回第一个存在的默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-mesh/config.yaml",
		"/etc/kong-mesh/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
