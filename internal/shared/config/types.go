package config

import (
	"fmt"
	"time"
)

// NodeConfig describes the identity of this node.
type NodeConfig struct {
	UUID     string `mapstructure:"uuid" yaml:"uuid"`
	Name     string `mapstructure:"name" yaml:"name" validate:"required"`
	Type     int    `mapstructure:"type" yaml:"type" validate:"gte=0"`
	Key      string `mapstructure:"key" yaml:"key"`
	LocalIP  string `mapstructure:"local_ip" yaml:"local_ip"`
	Services []int  `mapstructure:"services" yaml:"services"`
}

// MasterConfig holds the master-only listener, port pool and tick policies.
type MasterConfig struct {
	ListenerPort     int `mapstructure:"listener_port" yaml:"listener_port" validate:"gt=0,lte=65535"`
	PortBase         int `mapstructure:"port_base" yaml:"port_base" validate:"gt=0"`
	PortPoolSize     int `mapstructure:"port_pool_size" yaml:"port_pool_size" validate:"gte=0"`
	AccessWaitTicks  int `mapstructure:"access_wait_ticks" yaml:"access_wait_ticks" validate:"gt=0"`
	HeartbeatEvery   int `mapstructure:"heartbeat_every" yaml:"heartbeat_every" validate:"gt=0"`
	ServiceScanEvery int `mapstructure:"service_scan_every" yaml:"service_scan_every" validate:"gt=0"`
}

// SlaveConfig holds the slave-side master discovery and port negotiation policies.
type SlaveConfig struct {
	MasterHost        string `mapstructure:"master_host" yaml:"master_host"`
	MasterPort        int    `mapstructure:"master_port" yaml:"master_port" validate:"gt=0,lte=65535"`
	MaxConnectTries   int    `mapstructure:"max_connect_tries" yaml:"max_connect_tries" validate:"gte=0"`
	ConnectRetryEvery int    `mapstructure:"connect_retry_every" yaml:"connect_retry_every" validate:"gt=0"`
	PortPollEvery     int    `mapstructure:"port_poll_every" yaml:"port_poll_every" validate:"gt=0"`
}

// MasterAddr returns host:port of the master the slave dials.
func (s *SlaveConfig) MasterAddr() string {
	return fmt.Sprintf("%s:%d", s.MasterHost, s.MasterPort)
}

// SocketConfig tunes the reactor and the transceiver queues.
type SocketConfig struct {
	ChunkSize   int           `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gt=0"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout" validate:"gt=0"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size" validate:"gt=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"gt=0"`
	BindRetry   time.Duration `mapstructure:"bind_retry" yaml:"bind_retry" validate:"gt=0"`
}

// SchedulerConfig sets the state machine tick period.
type SchedulerConfig struct {
	Tick time.Duration `mapstructure:"tick" yaml:"tick" validate:"gt=0"`
}

// GatewayConfig points the master at the upstream broker.
type GatewayConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	URL              string        `mapstructure:"url" yaml:"url" validate:"required_if=Enabled true"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// LocalWSConfig enables the browser-facing WebSocket bridge and status API.
type LocalWSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// GetAddr returns host:port for the HTTP listener.
func (l *LocalWSConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Driver  string `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=console json"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
}
