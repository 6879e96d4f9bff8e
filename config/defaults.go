package config

import "time"

// tokenizer.heuristic 的取值
const (
	HeuristicRatio = "ratio"
	HeuristicCJK   = "cjk"
)

// DefaultConfig 不读文件和环境变量时的完整配置。
// Redis、账本、认证和遥测默认全部关闭，单进程即可运行。
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Tokenizer: DefaultTokenizerConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	var sc ServerConfig
	sc.HTTPPort, sc.MetricsPort = 8080, 9091
	sc.ReadTimeout, sc.WriteTimeout = 30*time.Second, 30*time.Second
	sc.ShutdownTimeout = 15 * time.Second
	sc.RateLimitRPS, sc.RateLimitBurst = 100, 200
	sc.MaxBodyBytes = 8 << 20
	return sc
}

// DefaultTokenizerConfig Concurrency 为 0 表示按 GOMAXPROCS
func DefaultTokenizerConfig() TokenizerConfig {
	return TokenizerConfig{
		DefaultModel:    "gpt-4o",
		RepeatThreshold: 1000,
		Heuristic:       HeuristicRatio,
		MaxTexts:        2048,
		RequestTimeout:  30 * time.Second,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379", PoolSize: 10, MinIdleConns: 2, TTL: 24 * time.Hour}
}

// DefaultDatabaseConfig Driver 为空即不启用用量账本；其余字段是 postgres 的常用值
func DefaultDatabaseConfig() DatabaseConfig {
	dc := DatabaseConfig{
		Host:        "localhost",
		Port:        5432,
		User:        "tokenest",
		Name:        "tokenest",
		SSLMode:     "disable",
		AutoMigrate: true,
	}
	dc.MaxOpenConns, dc.MaxIdleConns = 25, 5
	dc.ConnMaxLifetime = 5 * time.Minute
	return dc
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json", OutputPaths: []string{"stdout"}, EnableCaller: true}
}

// DefaultTelemetryConfig 开启后采样 10% 的根 span
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{OTLPEndpoint: "localhost:4317", ServiceName: "tokenest", SampleRate: 0.1}
}
