package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"proxypool/internal/logger"
	"proxypool/pkg/store"
)

type Config struct {
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Score    ScoreConfig    `mapstructure:"score" validate:"required"`
	Getter   GetterConfig   `mapstructure:"getter" validate:"required"`
	Tester   TesterConfig   `mapstructure:"tester" validate:"required"`
	Checker  CheckerConfig  `mapstructure:"checker" validate:"required"`
	API      APIConfig      `mapstructure:"api" validate:"required"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=redis sqlite memory"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr" validate:"required,hostname_port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"min=0,max=15"`
	Key         string        `mapstructure:"key" validate:"required"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"required,min=100ms,max=1m"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required,min=1"`
}

type ScoreConfig struct {
	Min       int `mapstructure:"min"`
	Max       int `mapstructure:"max" validate:"gtfield=Min"`
	Init      int `mapstructure:"init" validate:"gtfield=Min,ltfield=Max"`
	Decrement int `mapstructure:"decrement" validate:"required,min=1"`
	Penalty   int `mapstructure:"penalty" validate:"required,min=1"`
}

type GetterConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval" validate:"required,min=1s,max=24h"`
	PoolCeiling   int64         `mapstructure:"pool_ceiling" validate:"required,min=1"`
	Sources       []string      `mapstructure:"sources" validate:"dive,oneof=proxyscrape github proxylistorg geonode freeproxylist static"`
	StaticProxies []string      `mapstructure:"static_proxies"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=2m"`
	UserAgent     string        `mapstructure:"user_agent" validate:"required,min=10"`
}

type TesterConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval" validate:"required,min=1s,max=1h"`
	BatchSize int           `mapstructure:"batch_size" validate:"required,min=1,max=1000"`
}

type CheckerConfig struct {
	TestURL         string        `mapstructure:"test_url" validate:"required,url"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=1m"`
	ValidStatus     []int         `mapstructure:"valid_status" validate:"required,min=1,dive,min=100,max=599"`
	AnonymityChecks int           `mapstructure:"anonymity_checks" validate:"min=0,max=2"`
	EchoURLs        []string      `mapstructure:"echo_urls" validate:"dive,url"`
	UserAgent       string        `mapstructure:"user_agent" validate:"required,min=10"`
}

type APIConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ListenAddr string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=1m"`
}

type ServerConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	ListenAddr      string            `mapstructure:"listen_addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration     `mapstructure:"read_timeout" validate:"required,min=1s,max=5m"`
	WriteTimeout    time.Duration     `mapstructure:"write_timeout" validate:"required,min=1s,max=5m"`
	IdleTimeout     time.Duration     `mapstructure:"idle_timeout" validate:"required,min=1s,max=10m"`
	DialTimeout     time.Duration     `mapstructure:"dial_timeout" validate:"required,min=1s,max=1m"`
	UpstreamTimeout time.Duration     `mapstructure:"upstream_timeout" validate:"required,min=1s,max=5m"`
	EnableHTTPS     bool              `mapstructure:"enable_https"`
	StripHeaders    []string          `mapstructure:"strip_headers"`
	AddHeaders      map[string]string `mapstructure:"add_headers"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// Scores converts the score section into the store's score range.
func (c *Config) Scores() store.Scores {
	return store.Scores{
		Min:       c.Score.Min,
		Max:       c.Score.Max,
		Init:      c.Score.Init,
		Decrement: c.Score.Decrement,
		Penalty:   c.Score.Penalty,
	}
}

// setDefaults configures default values for viper
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "redis")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", store.DefaultRedisKey)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("database.path", "./data/proxypool.db")

	scores := store.DefaultScores()
	v.SetDefault("score.min", scores.Min)
	v.SetDefault("score.max", scores.Max)
	v.SetDefault("score.init", scores.Init)
	v.SetDefault("score.decrement", scores.Decrement)
	v.SetDefault("score.penalty", scores.Penalty)

	v.SetDefault("getter.enabled", true)
	v.SetDefault("getter.interval", "100s")
	v.SetDefault("getter.pool_ceiling", 50000)
	v.SetDefault("getter.sources", []string{})
	v.SetDefault("getter.static_proxies", []string{})
	v.SetDefault("getter.timeout", "30s")
	v.SetDefault("getter.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	v.SetDefault("tester.enabled", true)
	v.SetDefault("tester.interval", "20s")
	v.SetDefault("tester.batch_size", 20)

	v.SetDefault("checker.test_url", "https://www.baidu.com")
	v.SetDefault("checker.timeout", "10s")
	v.SetDefault("checker.valid_status", []int{200, 206, 302})
	v.SetDefault("checker.anonymity_checks", 0)
	v.SetDefault("checker.echo_urls", []string{"https://httpbin.org/ip", "https://km.chik.cn/ip"})
	v.SetDefault("checker.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", "0.0.0.0:5555")
	v.SetDefault("api.timeout", "5s")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.dial_timeout", "10s")
	v.SetDefault("server.upstream_timeout", "30s")
	v.SetDefault("server.enable_https", true)
	v.SetDefault("server.strip_headers", []string{
		"X-Forwarded-For", "X-Real-IP", "X-Original-IP", "CF-Connecting-IP", "True-Client-IP",
	})
	v.SetDefault("server.add_headers", map[string]string{})

	v.SetDefault("log.level", "info")
}

// LoadConfig loads configuration from the config file, a .env file and
// PROXYPOOL_* environment variables, then validates it.
func LoadConfig(configPath string) (*Config, error) {
	log := logger.New("config")

	// .env only seeds the environment; variables already set win
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			log.WarnBg("Failed to load .env file: %v", err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/proxypool")

	v.SetEnvPrefix("PROXYPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.InfoBg("No config file found, using defaults and environment variables")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := registerCustomValidators(validate); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := config.Scores().Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// registerCustomValidators adds custom validation rules
func registerCustomValidators(validate *validator.Validate) error {
	// host may be empty (":8080"), port must be numeric
	return validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n > 0 && n <= 65535
	})
}

// SaveConfigTemplate generates a sample configuration file
func SaveConfigTemplate(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config template: %w", err)
	}
	return nil
}

// PrintConfig logs the effective configuration. Secrets are masked.
func PrintConfig(config *Config) {
	log := logger.New("config")
	log.InfoBg("Configuration loaded:")
	switch config.Storage.Driver {
	case "redis":
		pw := "[NOT SET]"
		if config.Redis.Password != "" {
			pw = "[SET]"
		}
		log.InfoBg("  Storage: redis %s db=%d key=%s password=%s", config.Redis.Addr, config.Redis.DB, config.Redis.Key, pw)
	case "sqlite":
		log.InfoBg("  Storage: sqlite %s", config.Database.Path)
	default:
		log.InfoBg("  Storage: %s", config.Storage.Driver)
	}
	log.InfoBg("  Scores: min=%d max=%d init=%d decrement=%d penalty=%d",
		config.Score.Min, config.Score.Max, config.Score.Init, config.Score.Decrement, config.Score.Penalty)
	log.InfoBg("  Getter: enabled=%v every %v, ceiling %d, sources %v",
		config.Getter.Enabled, config.Getter.Interval, config.Getter.PoolCeiling, config.Getter.Sources)
	log.InfoBg("  Tester: enabled=%v every %v, batch size %d",
		config.Tester.Enabled, config.Tester.Interval, config.Tester.BatchSize)
	log.InfoBg("  Checker: %s, %v timeout, anonymity checks %d",
		config.Checker.TestURL, config.Checker.Timeout, config.Checker.AnonymityChecks)
	log.InfoBg("  API: enabled=%v on %s", config.API.Enabled, config.API.ListenAddr)
	log.InfoBg("  Gateway: enabled=%v on %s (HTTPS: %v)", config.Server.Enabled, config.Server.ListenAddr, config.Server.EnableHTTPS)
}
