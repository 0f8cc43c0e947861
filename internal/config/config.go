// Package config 應用配置
//
// 載入順序（後者覆蓋前者）：
//
//	DefaultConfig() → config.yaml → .env → FABRIC_* 環境變數
//
// .env 只補上尚未設定的環境變數，不覆蓋已存在的值。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/broadcast-fabric/internal/auth"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// 存儲與匯流排選項
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	PubSubRedis = "redis"
	PubSubNATS  = "nats"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxMessageSize  int64         `yaml:"max_message_size"` // 單一入站訊框上限（bytes）
		SendQueue       int           `yaml:"send_queue"`       // 每條連線的出站佇列長度
		AllowedOrigins  []string      `yaml:"allowed_origins"`  // 空 = 不檢查 Origin
		Namespaces      []string      `yaml:"namespaces"`       // 啟動時建立的命名空間
		DynamicNS       bool          `yaml:"dynamic_namespaces"`
	} `yaml:"server"`

	Node struct {
		ID string `yaml:"id"` // 空則啟動時產生
	} `yaml:"node"`

	Cluster struct {
		Store             string        `yaml:"store"`  // "memory" 或 "redis"
		PubSub            string        `yaml:"pubsub"` // "redis" 或 "nats"
		Prefix            string        `yaml:"prefix"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		NodeTTL           time.Duration `yaml:"node_ttl"`
		DedupeSize        int           `yaml:"dedupe_size"`
	} `yaml:"cluster"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS struct {
		URL           string        `yaml:"url"`
		MaxReconnects int           `yaml:"max_reconnects"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
	} `yaml:"nats"`

	Election struct {
		Enabled       bool          `yaml:"enabled"`
		Key           string        `yaml:"key"`
		TTL           time.Duration `yaml:"ttl"`
		RenewInterval time.Duration `yaml:"renew_interval"`
	} `yaml:"election"`

	Heartbeat struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"heartbeat"`

	Auth struct {
		Enabled     bool              `yaml:"enabled"`
		Credentials []auth.Credential `yaml:"credentials"`
		RateLimit   struct {
			PerSecond float64 `yaml:"per_second"` // 0 = 不限制
			Burst     int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"auth"`

	Scheduler struct {
		Enabled      bool   `yaml:"enabled"`
		Timezone     string `yaml:"timezone"`
		ReportSpec   string `yaml:"report_spec"` // cluster-report 的 cron 表達式
		RequireLease bool   `yaml:"require_lease"`
	} `yaml:"scheduler"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"` // stdout、stderr 或檔案路徑
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// DefaultConfig 單節點開發用的預設值
func DefaultConfig() *Config {
	c := &Config{}

	c.Server.Port = 8080
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Server.MaxMessageSize = 1 << 20
	c.Server.SendQueue = 256
	c.Server.Namespaces = []string{"/"}

	c.Cluster.Store = StoreMemory
	c.Cluster.PubSub = PubSubRedis
	c.Cluster.Prefix = "fabric"
	c.Cluster.RequestTimeout = 5 * time.Second
	c.Cluster.HeartbeatInterval = 5 * time.Second
	c.Cluster.NodeTTL = 15 * time.Second
	c.Cluster.DedupeSize = 10000

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10
	c.Redis.MinIdleConns = 2
	c.Redis.MaxRetries = 3
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.NATS.URL = "nats://localhost:4222"
	c.NATS.MaxReconnects = 60
	c.NATS.ReconnectWait = 2 * time.Second

	c.Election.Enabled = true
	c.Election.Key = "fabric:leader"
	c.Election.TTL = 10 * time.Second
	c.Election.RenewInterval = 3 * time.Second

	c.Heartbeat.Interval = 30 * time.Second

	c.Auth.RateLimit.Burst = 10

	c.Scheduler.Enabled = true
	c.Scheduler.Timezone = "UTC"
	c.Scheduler.ReportSpec = "@every 1m"
	c.Scheduler.RequireLease = true

	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Log.Output = "stdout"

	return c
}

// Load 載入配置並驗證
//
// path 為空或檔案不存在時使用預設值。
func Load(path string) (*Config, error) {
	c := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 以環境變數覆蓋（部署環境常用）
func (c *Config) applyEnv() error {
	setString(&c.Node.ID, "FABRIC_NODE_ID")
	setString(&c.Cluster.Store, "FABRIC_CLUSTER_STORE")
	setString(&c.Cluster.PubSub, "FABRIC_CLUSTER_PUBSUB")
	setString(&c.Cluster.Prefix, "FABRIC_CLUSTER_PREFIX")
	setString(&c.Redis.Addr, "FABRIC_REDIS_ADDR")
	setString(&c.Redis.Password, "FABRIC_REDIS_PASSWORD")
	setString(&c.NATS.URL, "FABRIC_NATS_URL")
	setString(&c.Log.Level, "FABRIC_LOG_LEVEL")
	setString(&c.Log.Format, "FABRIC_LOG_FORMAT")

	if v, ok := os.LookupEnv("FABRIC_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("FABRIC_PORT: %v", err))
		}
		c.Server.Port = port
	}

	// 單一 token 的捷徑，方便容器部署
	if token, ok := os.LookupEnv("FABRIC_AUTH_TOKEN"); ok && token != "" {
		c.Auth.Enabled = true
		c.Auth.Credentials = append(c.Auth.Credentials, auth.Credential{Subject: "env", Token: token})
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate 檢查無法運作的組合
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}
	if c.Server.SendQueue <= 0 {
		return invalid("server.send_queue must be positive")
	}

	switch c.Cluster.Store {
	case StoreMemory, StoreRedis:
	default:
		return invalid("cluster.store %q must be memory or redis", c.Cluster.Store)
	}
	switch c.Cluster.PubSub {
	case PubSubRedis:
	case PubSubNATS:
		if c.Cluster.Store != StoreRedis {
			return invalid("cluster.pubsub nats requires cluster.store redis")
		}
	default:
		return invalid("cluster.pubsub %q must be redis or nats", c.Cluster.PubSub)
	}
	if c.Cluster.RequestTimeout <= 0 {
		return invalid("cluster.request_timeout must be positive")
	}
	if c.Cluster.HeartbeatInterval <= 0 || c.Cluster.NodeTTL <= c.Cluster.HeartbeatInterval {
		return invalid("cluster.node_ttl %s must exceed heartbeat_interval %s",
			c.Cluster.NodeTTL, c.Cluster.HeartbeatInterval)
	}

	if c.Election.Enabled {
		if c.Election.Key == "" {
			return invalid("election.key is required")
		}
		if c.Election.RenewInterval <= 0 || c.Election.RenewInterval >= c.Election.TTL {
			return invalid("election.renew_interval %s must be shorter than ttl %s",
				c.Election.RenewInterval, c.Election.TTL)
		}
	}

	if c.Heartbeat.Interval <= 0 {
		return invalid("heartbeat.interval must be positive")
	}

	if c.Auth.Enabled && len(c.Auth.Credentials) == 0 {
		return invalid("auth.enabled requires at least one credential")
	}
	if c.Auth.RateLimit.PerSecond < 0 {
		return invalid("auth.rate_limit.per_second must not be negative")
	}

	if c.Scheduler.Enabled {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return invalid("scheduler.timezone: %v", err)
		}
		if c.Scheduler.RequireLease && !c.Election.Enabled {
			return invalid("scheduler.require_lease needs election.enabled")
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Addr HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
