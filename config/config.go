package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config 是 tokenest 的完整配置
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Tokenizer TokenizerConfig `yaml:"tokenizer" env:"TOKENIZER"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"` // 0 关闭 /metrics 端口
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// 每个客户端 IP 的令牌桶，RPS ≤ 0 关闭限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	MaxBodyBytes   int64    `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	MaxConnections int      `yaml:"max_connections" env:"MAX_CONNECTIONS"`

	// 证书与私钥同时设置时启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// TLSEnabled 证书与私钥均已配置时返回 true
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// TokenizerConfig 估算行为
type TokenizerConfig struct {
	DefaultModel    string `yaml:"default_model" env:"DEFAULT_MODEL"`       // 请求未带 model 时使用
	RepeatThreshold int    `yaml:"repeat_threshold" env:"REPEAT_THRESHOLD"` // 0 关闭重复字符检测
	Concurrency     int    `yaml:"concurrency" env:"CONCURRENCY"`           // 0 使用 GOMAXPROCS
	Heuristic       string `yaml:"heuristic" env:"HEURISTIC"`               // ratio | cjk

	// BPEDir 非空时从本地目录读取 .tiktoken 编码表，不联网
	BPEDir  string   `yaml:"bpe_dir" env:"BPE_DIR"`
	Preload []string `yaml:"preload" env:"PRELOAD"`

	MaxTexts       int           `yaml:"max_texts" env:"MAX_TEXTS"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// RedisConfig 精确计数缓存
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TTL          time.Duration `yaml:"ttl" env:"TTL"`
	TLS          bool          `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 用量账本，Driver 为空时不记录
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"` // postgres | mysql | sqlite
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"` // sqlite 为文件路径
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`

	// sqlite 不看该项，启动时总是建表
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// DSN 返回驱动对应的连接字符串，未配置驱动时为空
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true",
			d.User, d.Password, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), d.Name)
	case "sqlite":
		return d.Name
	}
	return ""
}

// AuthConfig API Key 与 JWT 均未配置时不启用认证
type AuthConfig struct {
	APIKeys          []string `yaml:"api_keys" env:"API_KEYS"`
	AllowQueryAPIKey bool     `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	JWTSecret        string   `yaml:"jwt_secret" env:"JWT_SECRET"` // HS256
	JWTIssuer        string   `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience      string   `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
}

// AuthEnabled 是否配置了任意认证方式
func (a *AuthConfig) AuthEnabled() bool {
	return len(a.APIKeys) > 0 || a.JWTSecret != ""
}

// LogConfig zap 日志
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format           string   `yaml:"format" env:"FORMAT"` // json | console
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OTLP 导出
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 一次性报告所有不合法的配置项
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Server
	check(validPort(s.HTTPPort), "server.http_port %d out of range", s.HTTPPort)
	check(s.MetricsPort == 0 || validPort(s.MetricsPort), "server.metrics_port %d out of range", s.MetricsPort)
	check(s.MetricsPort != s.HTTPPort, "server.metrics_port must differ from server.http_port")
	check(s.MaxConnections >= 0, "server.max_connections must not be negative")
	check((s.TLSCertFile == "") == (s.TLSKeyFile == ""), "server.tls_cert_file and server.tls_key_file must be set together")

	t := c.Tokenizer
	check(t.Heuristic == HeuristicRatio || t.Heuristic == HeuristicCJK, "tokenizer.heuristic %q is not ratio or cjk", t.Heuristic)
	check(t.RepeatThreshold >= 0, "tokenizer.repeat_threshold must not be negative")
	check(t.Concurrency >= 0, "tokenizer.concurrency must not be negative")
	check(t.MaxTexts > 0, "tokenizer.max_texts must be positive")

	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		check(false, "database.driver %q is not supported", c.Database.Driver)
	}

	check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "telemetry.sample_rate must be within [0, 1]")

	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p <= 65535 }
