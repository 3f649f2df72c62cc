package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string `yaml:"http_addr"`
	DBDriver    string `yaml:"db_driver"`
	SQLITEDsn   string `yaml:"sqlite_dsn"`
	PostgresDsn string `yaml:"postgres_dsn"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTTTLMin   int    `yaml:"jwt_ttl_min"`
	// base64 encoded 32 byte key wrapping the per-conversation keys, optional
	MasterKey string `yaml:"master_key"`

	TypingWindowSec int      `yaml:"typing_window_sec"`
	StoreTimeoutSec int      `yaml:"store_timeout_sec"`
	WSSendBuffer    int      `yaml:"ws_send_buffer"`
	WSEventsPerSec  float64  `yaml:"ws_events_per_sec"`
	WSEventBurst    int      `yaml:"ws_event_burst"`
	AllowedOrigins  []string `yaml:"ws_allowed_origins"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		DBDriver:        "sqlite",
		SQLITEDsn:       "file:chat.db?_pragma=foreign_keys(ON)",
		JWTTTLMin:       1440,
		TypingWindowSec: 10,
		StoreTimeoutSec: 10,
		WSSendBuffer:    256,
		WSEventsPerSec:  20,
		WSEventBurst:    40,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

func (c Config) TypingWindow() time.Duration {
	return time.Duration(c.TypingWindowSec) * time.Second
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSec) * time.Second
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getenvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

// Load builds the configuration from defaults, the YAML file named by
// PALCHAT_CONFIG (if any) and finally the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("PALCHAT_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "reading config file %q", path)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("HTTP_ADDR", cfg.Addr)
	cfg.DBDriver = getenv("DB_DRIVER", cfg.DBDriver)
	cfg.SQLITEDsn = getenv("SQLITE_DSN", cfg.SQLITEDsn)
	cfg.PostgresDsn = getenv("POSTGRES_DSN", cfg.PostgresDsn)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTTTLMin = getenvInt("JWT_TTL_MIN", cfg.JWTTTLMin)
	cfg.MasterKey = getenv("MASTER_KEY", cfg.MasterKey)
	cfg.TypingWindowSec = getenvInt("TYPING_WINDOW_SEC", cfg.TypingWindowSec)
	cfg.StoreTimeoutSec = getenvInt("STORE_TIMEOUT_SEC", cfg.StoreTimeoutSec)
	cfg.WSSendBuffer = getenvInt("WS_SEND_BUFFER", cfg.WSSendBuffer)
	cfg.WSEventsPerSec = getenvFloat("WS_EVENTS_PER_SEC", cfg.WSEventsPerSec)
	cfg.WSEventBurst = getenvInt("WS_EVENT_BURST", cfg.WSEventBurst)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return errors.NotValidf("db driver %q", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.PostgresDsn == "" {
		return errors.NotValidf("empty postgres dsn")
	}
	if c.TypingWindowSec <= 0 {
		return errors.NotValidf("typing window %d", c.TypingWindowSec)
	}
	if c.WSSendBuffer <= 0 {
		return errors.NotValidf("send buffer %d", c.WSSendBuffer)
	}
	return nil
}
