package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Limits  LimitsConfig  `yaml:"limits"`
	Quota   QuotaConfig   `yaml:"quota"`
	Refresh RefreshConfig `yaml:"refresh"`
	Batch   BatchConfig   `yaml:"batch"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Mailbox MailboxConfig `yaml:"mailbox"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ProxyConfig struct {
	Global string `yaml:"global"`
}

type LimitsConfig struct {
	GlobalQPS       float64 `yaml:"globalQPS"`
	GlobalBurst     int     `yaml:"globalBurst"`
	PerAccountQPS   float64 `yaml:"perAccountQPS"`
	PerAccountBurst int     `yaml:"perAccountBurst"`
}

type QuotaConfig struct {
	// RateLimitCooldownMs 429 的最小冷却时长；实际冷却取该值与
	// "距离下一个太平洋时间零点"的较大者（上游配额按 PT 零点重置）。
	RateLimitCooldownMs int `yaml:"rateLimitCooldownMs"`
	// AuthErrorCooldownMs 401/403 触发的账号级冷却时长。
	AuthErrorCooldownMs int `yaml:"authErrorCooldownMs"`
	// ResetTimezone 配额重置时区，默认 America/Los_Angeles。
	ResetTimezone string `yaml:"resetTimezone"`
	// ErrorLogSize 每个能力保留的最近错误条数。
	ErrorLogSize int `yaml:"errorLogSize"`
}

func (c QuotaConfig) RateLimitCooldown() time.Duration {
	if c.RateLimitCooldownMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.RateLimitCooldownMs) * time.Millisecond
}

func (c QuotaConfig) AuthErrorCooldown() time.Duration {
	if c.AuthErrorCooldownMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.AuthErrorCooldownMs) * time.Millisecond
}

type RefreshConfig struct {
	PollIntervalMs   int `yaml:"pollIntervalMs"`
	APITimeoutMs     int `yaml:"apiTimeoutMs"`
	BrowserTimeoutMs int `yaml:"browserTimeoutMs"`
}

func (c RefreshConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c RefreshConfig) APITimeout() time.Duration {
	if c.APITimeoutMs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.APITimeoutMs) * time.Millisecond
}

func (c RefreshConfig) BrowserTimeout() time.Duration {
	if c.BrowserTimeoutMs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.BrowserTimeoutMs) * time.Millisecond
}

type BatchConfig struct {
	// ThrottleMs 批量处理相邻两个账号之间的间隔。
	ThrottleMs int `yaml:"throttleMs"`
}

func (c BatchConfig) Throttle() time.Duration {
	if c.ThrottleMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ThrottleMs) * time.Millisecond
}

type GeminiConfig struct {
	BaseURL   string         `yaml:"baseURL"`
	JWTPath   string         `yaml:"jwtPath"`
	TimeoutMs int            `yaml:"timeoutMs"`
	Retry     GeminiRetryCfg `yaml:"retry"`
	UserAgent string         `yaml:"userAgent"`
}

type GeminiRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c GeminiConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c GeminiRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c GeminiRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type MailboxConfig struct {
	BaseURL   string `yaml:"baseURL"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

func (c MailboxConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8091"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/gemini_pool.db"
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 10
	}
	if c.Limits.PerAccountBurst <= 0 {
		c.Limits.PerAccountBurst = 2
	}
	if c.Quota.ResetTimezone == "" {
		c.Quota.ResetTimezone = "America/Los_Angeles"
	}
	if c.Quota.ErrorLogSize <= 0 {
		c.Quota.ErrorLogSize = 20
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://business.gemini.google"
	}
	if c.Gemini.JWTPath == "" {
		c.Gemini.JWTPath = "/auth/jwt"
	}
	if c.Gemini.UserAgent == "" {
		c.Gemini.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	}
	if c.Gemini.Retry.Count < 0 {
		c.Gemini.Retry.Count = 0
	}
	if c.Mailbox.BaseURL == "" {
		c.Mailbox.BaseURL = "https://tempmail.3d-tech.top"
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Gemini.BaseURL == "" {
		return errors.New("gemini.baseURL is required")
	}
	if _, err := time.LoadLocation(c.Quota.ResetTimezone); err != nil {
		return errors.New("quota.resetTimezone is invalid")
	}
	return nil
}
