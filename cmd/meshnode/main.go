package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/orris-inc/meshnode/internal/interfaces/cli/configcmd"
	"github.com/orris-inc/meshnode/internal/interfaces/cli/master"
	"github.com/orris-inc/meshnode/internal/interfaces/cli/slave"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "meshnode",
		Short:        "Meshnode - master/slave node runtime",
		Long:         `Meshnode runs a master node that bridges local slaves to a gateway, or a slave node that joins a local master.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		master.NewCommand(),
		slave.NewCommand(),
		configcmd.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
