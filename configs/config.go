package configs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/chenxilol/gorelay/pkg/bus/amqp"
	"github.com/chenxilol/gorelay/pkg/bus/nats"
	"github.com/chenxilol/gorelay/pkg/bus/redis"
	"github.com/chenxilol/gorelay/pkg/cluster"
	"github.com/chenxilol/gorelay/pkg/hub"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 GORELAY_SERVER_ADDR
const EnvPrefix = "GORELAY"

type Server struct {
	Addr           string     `mapstructure:"addr"`
	AllowedOrigins []string   `mapstructure:"allowed_origins"`
	Hub            hub.Config `mapstructure:"hub"`
}

type History struct {
	Enabled bool     `mapstructure:"enabled"`
	Seed    []string `mapstructure:"seed"` // 启动时预置的历史记录
}

type Cluster struct {
	Enabled    bool          `mapstructure:"enabled"`
	BusType    string        `mapstructure:"bus_type"` // 消息总线类型: "redis", "nats", "amqp", "noop"
	NodeID     string        `mapstructure:"node_id"`
	Topic      string        `mapstructure:"topic"`
	BusTimeout time.Duration `mapstructure:"bus_timeout"`
	DedupTTL   time.Duration `mapstructure:"dedup_ttl"`
	Redis      redis.Config  `mapstructure:"redis"`
	NATS       nats.Config   `mapstructure:"nats"`
	AMQP       amqp.Config   `mapstructure:"amqp"`
}

// Bridge 转换为集群桥接配置
func (c Cluster) Bridge() cluster.Config {
	cfg := cluster.DefaultConfig()
	cfg.NodeID = c.NodeID
	if c.Topic != "" {
		cfg.Topic = c.Topic
	}
	if c.BusTimeout > 0 {
		cfg.BusTimeout = c.BusTimeout
	}
	if c.DedupTTL > 0 {
		cfg.DedupTTL = c.DedupTTL
	}
	cfg.BusName = c.BusType
	return cfg
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json 或 text
}

type Config struct {
	Server  Server  `mapstructure:"server"`
	History History `mapstructure:"history"`
	Cluster Cluster `mapstructure:"cluster"`
	Log     Log     `mapstructure:"log"`
	Version string  `mapstructure:"version"`

	v *viper.Viper
}

// NewDefaultConfig creates a new Config with default values
func NewDefaultConfig() Config {
	config := Config{}

	config.Server.Addr = ":8080"
	config.Server.Hub = hub.DefaultConfig()

	config.History.Enabled = true

	// 默认单节点运行
	config.Cluster.Enabled = false
	config.Cluster.BusType = "noop"
	config.Cluster.Topic = cluster.DefaultTopic
	config.Cluster.BusTimeout = 5 * time.Second
	config.Cluster.DedupTTL = 30 * time.Second
	config.Cluster.Redis = redis.DefaultConfig()
	config.Cluster.NATS = nats.DefaultConfig()
	config.Cluster.AMQP = amqp.DefaultConfig()

	config.Log.Level = "info"
	config.Log.Format = "json"

	config.Version = "dev"

	return config
}

// setDefaults 注册所有键的默认值，这样只设置环境变量时也能被识别
func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.allowed_origins", c.Server.AllowedOrigins)
	v.SetDefault("server.hub.read_timeout", c.Server.Hub.ReadTimeout)
	v.SetDefault("server.hub.write_timeout", c.Server.Hub.WriteTimeout)
	v.SetDefault("server.hub.ping_period", c.Server.Hub.PingPeriod)
	v.SetDefault("server.hub.read_buffer_size", c.Server.Hub.ReadBufferSize)
	v.SetDefault("server.hub.write_buffer_size", c.Server.Hub.WriteBufferSize)
	v.SetDefault("server.hub.max_message_size", c.Server.Hub.MaxMessageSize)
	v.SetDefault("server.hub.message_buffer_cap", c.Server.Hub.MessageBufferCap)

	v.SetDefault("history.enabled", c.History.Enabled)
	v.SetDefault("history.seed", c.History.Seed)

	v.SetDefault("cluster.enabled", c.Cluster.Enabled)
	v.SetDefault("cluster.bus_type", c.Cluster.BusType)
	v.SetDefault("cluster.node_id", c.Cluster.NodeID)
	v.SetDefault("cluster.topic", c.Cluster.Topic)
	v.SetDefault("cluster.bus_timeout", c.Cluster.BusTimeout)
	v.SetDefault("cluster.dedup_ttl", c.Cluster.DedupTTL)

	r := c.Cluster.Redis
	v.SetDefault("cluster.redis.addrs", r.Addrs)
	v.SetDefault("cluster.redis.password", r.Password)
	v.SetDefault("cluster.redis.db", r.DB)
	v.SetDefault("cluster.redis.master_name", r.MasterName)
	v.SetDefault("cluster.redis.pool_size", r.PoolSize)
	v.SetDefault("cluster.redis.min_idle_conns", r.MinIdleConns)
	v.SetDefault("cluster.redis.dial_timeout", r.DialTimeout)
	v.SetDefault("cluster.redis.read_timeout", r.ReadTimeout)
	v.SetDefault("cluster.redis.write_timeout", r.WriteTimeout)
	v.SetDefault("cluster.redis.retry_interval", r.RetryInterval)
	v.SetDefault("cluster.redis.max_retries", r.MaxRetries)
	v.SetDefault("cluster.redis.op_timeout", r.OpTimeout)
	v.SetDefault("cluster.redis.key_prefix", r.KeyPrefix)
	v.SetDefault("cluster.redis.mode", r.Mode)

	n := c.Cluster.NATS
	v.SetDefault("cluster.nats.urls", n.URLs)
	v.SetDefault("cluster.nats.name", n.Name)
	v.SetDefault("cluster.nats.reconnect_wait", n.ReconnectWait)
	v.SetDefault("cluster.nats.max_reconnects", n.MaxReconnects)
	v.SetDefault("cluster.nats.connect_timeout", n.ConnectTimeout)
	v.SetDefault("cluster.nats.op_timeout", n.OpTimeout)
	v.SetDefault("cluster.nats.subject_prefix", n.SubjectPrefix)

	a := c.Cluster.AMQP
	v.SetDefault("cluster.amqp.url", a.URL)
	v.SetDefault("cluster.amqp.exchange_prefix", a.ExchangePrefix)
	v.SetDefault("cluster.amqp.dial_timeout", a.DialTimeout)
	v.SetDefault("cluster.amqp.op_timeout", a.OpTimeout)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("version", c.Version)
}

// LoadConfig 按 默认值 < 配置文件 < 环境变量 的优先级加载配置，configFile为空时不读文件
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewDefaultConfig())

	// 支持环境变量
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	config.v = v
	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.Hub.MessageBufferCap <= 0 {
		return fmt.Errorf("server.hub.message_buffer_cap must be positive, got %d", c.Server.Hub.MessageBufferCap)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	if c.Cluster.Enabled {
		switch c.Cluster.BusType {
		case "redis", "nats", "amqp", "noop":
		default:
			return fmt.Errorf("unsupported bus type %q", c.Cluster.BusType)
		}
	}
	return nil
}

// WatchLogLevel 监听配置文件变化，只有log.level会实时生效，其余修改需要重启
func (c *Config) WatchLogLevel(level *slog.LevelVar) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("config file changed", "file", e.Name)

		updated, err := decode(c.v)
		if err != nil {
			slog.Error("failed to reload config", "error", err)
			return
		}
		c.applyReload(updated, level)
	})
	c.v.WatchConfig()
}

// applyReload 应用可热更新的配置项
func (c *Config) applyReload(updated *Config, level *slog.LevelVar) {
	if updated.Server.Addr != c.Server.Addr || updated.Server.Hub != c.Server.Hub {
		slog.Warn("server settings changed, restart required to apply")
	}
	if updated.Cluster.Enabled != c.Cluster.Enabled || updated.Cluster.BusType != c.Cluster.BusType {
		slog.Warn("cluster settings changed, restart required to apply")
	}

	if updated.Log.Level != c.Log.Level {
		newLevel := ParseLogLevel(updated.Log.Level)
		level.Set(newLevel)
		c.Log.Level = updated.Log.Level
		slog.Info("log level updated", "level", newLevel.String())
	}
}

// NewLogger 根据配置创建日志记录器，级别由level控制以便热更新
func NewLogger(w io.Writer, cfg Log, level *slog.LevelVar) *slog.Logger {
	level.Set(ParseLogLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLogLevel parses a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
