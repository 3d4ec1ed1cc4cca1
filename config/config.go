package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// 全局配置实例
var global *Config

// Config 全局配置（从 .env 加载）
// Engine/guardian tunables live here; grid session parameters arrive per-request.
type Config struct {
	// 服务配置
	APIServerPort    int
	JWTSecret        string
	OperatorPassword string

	// 数据库
	DBPath string

	// 交易所凭证
	BinanceAPIKey    string
	BinanceSecretKey string

	// Grid engine cadence
	OrderPollInterval    time.Duration
	PriceRefreshInterval time.Duration
	PlacementDelay       time.Duration

	// Guardian cadence
	GuardianInterval   time.Duration
	GuardianMaxBackoff time.Duration

	// Risk
	MaxDrawdownPct float64

	// 日志
	LogLevel string
}

// Init 初始化全局配置（从 .env 加载）
func Init() {
	cfg := &Config{
		APIServerPort:        8080,
		DBPath:               "data/gridkeeper.db",
		OrderPollInterval:    5 * time.Second,
		PriceRefreshInterval: 15 * time.Second,
		PlacementDelay:       250 * time.Millisecond,
		GuardianInterval:     5 * time.Second,
		GuardianMaxBackoff:   80 * time.Second,
		MaxDrawdownPct:       0.20,
		LogLevel:             "info",
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = strings.TrimSpace(v)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-jwt-secret-change-in-production"
	}

	if v := os.Getenv("OPERATOR_PASSWORD"); v != "" {
		cfg.OperatorPassword = strings.TrimSpace(v)
	}

	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		}
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = strings.TrimSpace(v)
	}

	cfg.BinanceAPIKey = strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	cfg.BinanceSecretKey = strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY"))

	if d := envDuration("ORDER_POLL_INTERVAL"); d > 0 {
		cfg.OrderPollInterval = d
	}
	if d := envDuration("PRICE_REFRESH_INTERVAL"); d > 0 {
		cfg.PriceRefreshInterval = d
	}
	if d := envDuration("ORDER_PLACEMENT_DELAY"); d > 0 {
		cfg.PlacementDelay = d
	}
	if d := envDuration("GUARDIAN_INTERVAL"); d > 0 {
		cfg.GuardianInterval = d
	}
	if d := envDuration("GUARDIAN_MAX_BACKOFF"); d > 0 {
		cfg.GuardianMaxBackoff = d
	}

	if v := os.Getenv("MAX_DRAWDOWN_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.MaxDrawdownPct = f
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}

	global = cfg
}

// Get 获取全局配置
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are seconds
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}
