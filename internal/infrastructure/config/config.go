package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	sharedConfig "github.com/orris-inc/meshnode/internal/shared/config"
)

type Config struct {
	Mode      string                       `mapstructure:"mode" yaml:"mode"`
	Node      sharedConfig.NodeConfig      `mapstructure:"node" yaml:"node"`
	Master    sharedConfig.MasterConfig    `mapstructure:"master" yaml:"master"`
	Slave     sharedConfig.SlaveConfig     `mapstructure:"slave" yaml:"slave"`
	Socket    sharedConfig.SocketConfig    `mapstructure:"socket" yaml:"socket"`
	Scheduler sharedConfig.SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Gateway   sharedConfig.GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	LocalWS   sharedConfig.LocalWSConfig   `mapstructure:"local_ws" yaml:"local_ws"`
	Redis     sharedConfig.RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Database  sharedConfig.DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Logger    sharedConfig.LoggerConfig    `mapstructure:"logger" yaml:"logger"`
}

// IsDebug reports whether the node runs in debug mode.
func (c *Config) IsDebug() bool {
	return c.Mode == "debug"
}

var (
	appConfig   *Config
	appConfigMu sync.RWMutex
)

// Load reads configuration from file (explicit path or configs/config.yaml on
// the search path) and MESHNODE_* environment variables. A missing config
// file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/meshnode")
	}

	v.SetEnvPrefix("MESHNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	appConfigMu.Lock()
	appConfig = &cfg
	appConfigMu.Unlock()

	return &cfg, nil
}

// Validate checks struct tag constraints on a loaded configuration.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Get returns the last loaded configuration.
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

// Default returns a configuration built only from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")

	v.SetDefault("node.name", "meshnode")
	v.SetDefault("node.type", 1)
	v.SetDefault("node.local_ip", "127.0.0.1")

	v.SetDefault("master.listener_port", 16999)
	v.SetDefault("master.port_base", 10000)
	v.SetDefault("master.port_pool_size", 32)
	v.SetDefault("master.access_wait_ticks", 10)
	v.SetDefault("master.heartbeat_every", 60)
	v.SetDefault("master.service_scan_every", 30)

	v.SetDefault("slave.master_host", "127.0.0.1")
	v.SetDefault("slave.master_port", 16999)
	v.SetDefault("slave.max_connect_tries", 3)
	v.SetDefault("slave.connect_retry_every", 20)
	v.SetDefault("slave.port_poll_every", 20)

	v.SetDefault("socket.chunk_size", 2048)
	v.SetDefault("socket.poll_timeout", "500ms")
	v.SetDefault("socket.queue_size", 1024)
	v.SetDefault("socket.dial_timeout", "5s")
	v.SetDefault("socket.bind_retry", "1s")

	v.SetDefault("scheduler.tick", "1s")

	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.handshake_timeout", "10s")

	v.SetDefault("local_ws.enabled", false)
	v.SetDefault("local_ws.host", "0.0.0.0")
	v.SetDefault("local_ws.port", 1982)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "meshnode:topology")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "meshnode.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")
}
