// Package bootstrap holds the process setup shared by the node commands.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/orris-inc/meshnode/internal/infrastructure/config"
	"github.com/orris-inc/meshnode/internal/infrastructure/security"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

const shutdownTimeout = 10 * time.Second

// Flags are the command line overrides shared by master and slave.
type Flags struct {
	ConfigPath string
	UUID       string
	Name       string
	Type       int
	LocalIP    string
	Debug      bool
}

// Bind registers the shared flags on cmd.
func (f *Flags) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "", "Path to config file (default: ./configs/config.yaml)")
	cmd.Flags().StringVar(&f.UUID, "uuid", "", "Node uuid (random when empty)")
	cmd.Flags().StringVar(&f.Name, "name", "", "Node name")
	cmd.Flags().IntVar(&f.Type, "type", -1, "Node type")
	cmd.Flags().StringVar(&f.LocalIP, "local-ip", "", "Address other nodes reach this host on")
	cmd.Flags().BoolVar(&f.Debug, "debug", false, "Enable debug logging")
}

func (f *Flags) apply(cfg *config.Config) {
	if f.UUID != "" {
		cfg.Node.UUID = f.UUID
	}
	if f.Name != "" {
		cfg.Node.Name = f.Name
	}
	if f.Type >= 0 {
		cfg.Node.Type = f.Type
	}
	if f.LocalIP != "" {
		cfg.Node.LocalIP = f.LocalIP
	}
	if f.Debug {
		cfg.Mode = "debug"
		cfg.Logger.Level = "debug"
	}
}

// Init loads the configuration, applies the flag overrides and initializes
// the process logger. override runs after the shared flags and before
// validation.
func Init(f *Flags, override func(cfg *config.Config)) (*config.Config, logger.Interface, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	f.apply(cfg)
	if override != nil {
		override(cfg)
	}
	if cfg.Node.UUID == "" {
		cfg.Node.UUID = uuid.NewString()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	if err := logger.Init(&cfg.Logger, cfg.IsDebug()); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger.NewLogger(), nil
}

// NewReactor builds the registry, event hub and reactor of a node.
func NewReactor(cfg *config.Config, log logger.Interface) *socket.Reactor {
	socketLog := log.Named("socket")
	events := socket.NewEvents(socketLog)
	registry := socket.NewRegistry(security.NewSHA3Hasher(), events, socketLog)
	return socket.NewReactor(socket.OptionsFromConfig(cfg.Socket), registry, events, socketLog)
}

// NewRedisClient creates and tests the Redis client connection.
func NewRedisClient(ctx context.Context, cfg *config.Config, log logger.Interface) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Infow("redis connection established", "address", cfg.Redis.GetAddr())
	return client, nil
}

// WaitDone blocks until done is closed or the shutdown timeout elapses.
func WaitDone(done <-chan struct{}, log logger.Interface) {
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Warnw("node teardown timed out", "timeout", shutdownTimeout)
	}
}
