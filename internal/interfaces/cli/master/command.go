package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orris-inc/meshnode/internal/application/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/config"
	"github.com/orris-inc/meshnode/internal/infrastructure/database"
	"github.com/orris-inc/meshnode/internal/infrastructure/gateway"
	"github.com/orris-inc/meshnode/internal/infrastructure/pubsub"
	"github.com/orris-inc/meshnode/internal/infrastructure/repository"
	"github.com/orris-inc/meshnode/internal/infrastructure/scheduler"
	httpRouter "github.com/orris-inc/meshnode/internal/interfaces/http"
	"github.com/orris-inc/meshnode/internal/interfaces/cli/bootstrap"
	"github.com/orris-inc/meshnode/internal/interfaces/ws"
)

var (
	flags        bootstrap.Flags
	listenerPort int
	gatewayURL   string
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run a master node",
		Long:  `Run a master node: it listens for local slaves, grants them ports and bridges them to the gateway.`,
		RunE:  run,
	}

	flags.Bind(cmd)
	cmd.Flags().IntVarP(&listenerPort, "port", "p", 0, "Local listener port")
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Gateway WebSocket URL (enables the gateway)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap.Init(&flags, func(cfg *config.Config) {
		if listenerPort > 0 {
			cfg.Master.ListenerPort = listenerPort
		}
		if gatewayURL != "" {
			cfg.Gateway.Enabled = true
			cfg.Gateway.URL = gatewayURL
		}
	})
	if err != nil {
		return err
	}

	log.Infow("starting master node",
		"uuid", cfg.Node.UUID,
		"name", cfg.Node.Name,
		"type", cfg.Node.Type,
		"listener_port", cfg.Master.ListenerPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reactor := bootstrap.NewReactor(cfg, log)
	deps := node.MasterDeps{}

	var gw *gateway.Client
	if cfg.Gateway.Enabled {
		gw = gateway.NewClient(gateway.Options{
			URL:              cfg.Gateway.URL,
			UUID:             cfg.Node.UUID,
			NodeType:         cfg.Node.Type,
			HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		}, nil, log.Named("gateway"))
		defer gw.Close()
		deps.Gateway = gw
	}

	var bridge *ws.Bridge
	if cfg.LocalWS.Enabled {
		bridge = ws.NewBridge(log.Named("ws"))
		deps.Bridge = bridge
	}

	var bus *pubsub.RedisTopologyBus
	if cfg.Redis.Enabled {
		client, err := bootstrap.NewRedisClient(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer client.Close()

		bus = pubsub.NewRedisTopologyBus(client, cfg.Redis.Channel, log.Named("topology"))
		deps.Topology = bus
		deps.Remote = node.NewRemoteDirectory()
	}

	if cfg.Database.Enabled {
		if err := database.Init(&cfg.Database); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()
		deps.Installed = repository.NewInstalledNodeRepository(database.Get(), log.Named("ledger"))
	}

	master := node.NewMaster(node.MasterOptionsFromConfig(cfg.Node, cfg.Master), reactor, deps, log)
	if gw != nil {
		gw.SetHandler(master)
	}
	if bridge != nil {
		bridge.SetHandler(master)
	}

	sched, err := scheduler.NewSchedulerManager(log.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.RegisterTicker("master-tick", cfg.Scheduler.Tick, master); err != nil {
		return fmt.Errorf("failed to register master tick: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if bus != nil {
		g.Go(func() error {
			err := bus.SubscribeTopologyEvents(gctx, deps.Remote.Apply)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if bridge != nil {
		router := httpRouter.NewRouter(master, bridge, log.Named("http"))
		g.Go(func() error {
			return router.Run(gctx, cfg.LocalWS.GetAddr())
		})
	}

	master.Start()
	sched.Start()

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down master node...")

		if err := sched.Stop(); err != nil {
			log.Warnw("failed to stop scheduler", "error", err)
		}
		master.Stop()
		bootstrap.WaitDone(master.Done(), log)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("master node stopped with error", "error", err)
		return err
	}

	log.Infow("master node exited gracefully")
	return nil
}
