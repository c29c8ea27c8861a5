package slave

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orris-inc/meshnode/internal/application/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/config"
	"github.com/orris-inc/meshnode/internal/infrastructure/scheduler"
	"github.com/orris-inc/meshnode/internal/interfaces/cli/bootstrap"
	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
)

var (
	flags      bootstrap.Flags
	masterHost string
	masterPort int
	maxTries   int
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Run a slave node",
		Long:  `Run a slave node: it joins the local master, obtains a listener port and serves on it.`,
		RunE:  run,
	}

	flags.Bind(cmd)
	cmd.Flags().StringVar(&masterHost, "master-host", "", "Master host")
	cmd.Flags().IntVar(&masterPort, "master-port", 0, "Master listener port")
	cmd.Flags().IntVar(&maxTries, "max-tries", -1, "Consecutive failed connects before giving up")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap.Init(&flags, func(cfg *config.Config) {
		if masterHost != "" {
			cfg.Slave.MasterHost = masterHost
		}
		if masterPort > 0 {
			cfg.Slave.MasterPort = masterPort
		}
		if maxTries >= 0 {
			cfg.Slave.MaxConnectTries = maxTries
		}
	})
	if err != nil {
		return err
	}

	masterAddr := net.JoinHostPort(cfg.Slave.MasterHost, strconv.Itoa(cfg.Slave.MasterPort))
	log.Infow("starting slave node",
		"uuid", cfg.Node.UUID,
		"name", cfg.Node.Name,
		"type", cfg.Node.Type,
		"master", masterAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reactor := bootstrap.NewReactor(cfg, log)
	slave := node.NewSlave(node.SlaveOptionsFromConfig(cfg.Node, cfg.Slave), reactor, log)

	sched, err := scheduler.NewSchedulerManager(log.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.RegisterTicker("slave-tick", cfg.Scheduler.Tick, slave); err != nil {
		return fmt.Errorf("failed to register slave tick: %w", err)
	}
	sched.Start()

	var runErr error
	select {
	case <-ctx.Done():
		log.Infow("shutting down slave node...")
	case <-slave.Exited():
		runErr = nodeErrors.NewRetryExhaustedError("connect master", masterAddr)
	}

	if err := sched.Stop(); err != nil {
		log.Warnw("failed to stop scheduler", "error", err)
	}
	slave.Stop()
	bootstrap.WaitDone(slave.Done(), log)

	if runErr != nil {
		return runErr
	}
	log.Infow("slave node exited gracefully", "port", slave.Port())
	return nil
}
