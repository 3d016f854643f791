package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Chat       ChatConfig
	Dispatcher DispatcherConfig
	RateLimit  RateLimitConfig
	AI         AIConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string
	Environment string
	Version     string
	Debug       bool
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	MaxIdleTime  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig 认证配置
// 只校验令牌，签发方在系统外部
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// ChatConfig 对话编排配置
type ChatConfig struct {
	MaxMessages      int // 上下文窗口最大消息数
	ModelTokenLimit  int // 模型可用 token 上限
	ResponseReserve  int // 为回复预留的 token 百分比
	SummaryThreshold int // 触发摘要替换的最小丢弃消息数
	StaleAfterDays   int // 会话判定为 stale 的闲置天数
	MaxMessageLen    int // 单条用户消息最大字符数
	RequestTimeout   int // 单次请求总超时（秒）
}

// DispatcherConfig 工具调度配置
type DispatcherConfig struct {
	CallTimeoutSeconds int // 单次工具调用超时（秒）
	MaxAttempts        int // 含首次在内的最大尝试次数
	BackoffBaseMillis  int // 重试退避起始间隔（毫秒）
	BackoffMaxMillis   int // 重试退避上限（毫秒）
	MaxParallel        int // 并行工具组的最大并发数
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled   bool
	PerMinute int
}

// AIConfig 推理协作方配置
type AIConfig struct {
	Provider string
	OpenAI   OpenAIConfig
}

// OpenAIConfig OpenAI 兼容端点配置
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Load 加载配置
// 配置文件缺失时退回内置默认值，环境变量始终可覆盖
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	// 环境变量
	v.SetEnvPrefix("TODO_CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetAddr 获取服务器地址
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddr 获取 Redis 地址
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CallTimeout 单次工具调用超时
func (c *DispatcherConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// BackoffBase 重试退避起始间隔
func (c *DispatcherConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMillis) * time.Millisecond
}

// BackoffMax 重试退避上限
func (c *DispatcherConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMillis) * time.Millisecond
}

// StaleAfter 会话闲置判定窗口
func (c *ChatConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterDays) * 24 * time.Hour
}

// Deadline 请求级总超时
func (c *ChatConfig) Deadline() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "todo-chat-engine")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", true)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.readTimeout", 35)
	v.SetDefault("server.writeTimeout", 35)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "todo_chat")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.maxLifetime", 300)
	v.SetDefault("database.maxIdleTime", 60)

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Auth
	v.SetDefault("auth.issuer", "")

	// Chat
	v.SetDefault("chat.maxMessages", 50)
	v.SetDefault("chat.modelTokenLimit", 8192)
	v.SetDefault("chat.responseReserve", 20)
	v.SetDefault("chat.summaryThreshold", 10)
	v.SetDefault("chat.staleAfterDays", 30)
	v.SetDefault("chat.maxMessageLen", 4000)
	v.SetDefault("chat.requestTimeout", 30)

	// Dispatcher
	v.SetDefault("dispatcher.callTimeoutSeconds", 10)
	v.SetDefault("dispatcher.maxAttempts", 3)
	v.SetDefault("dispatcher.backoffBaseMillis", 100)
	v.SetDefault("dispatcher.backoffMaxMillis", 1000)
	v.SetDefault("dispatcher.maxParallel", 4)

	// RateLimit
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.perMinute", 30)

	// AI
	v.SetDefault("ai.provider", "scripted")
	v.SetDefault("ai.openai.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
}
