package configcmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orris-inc/meshnode/internal/infrastructure/config"
)

const redacted = "******"

var (
	configPath   string
	showDefaults bool
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  `Load the configuration file and MESHNODE_* environment variables and print the merged result as YAML.`,
		RunE:  run,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./configs/config.yaml)")
	cmd.Flags().BoolVar(&showDefaults, "defaults", false, "Print the built-in defaults only")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if showDefaults {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	out, err := Render(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// Render marshals cfg as YAML with secrets masked.
func Render(cfg *config.Config) ([]byte, error) {
	masked := *cfg
	if masked.Redis.Password != "" {
		masked.Redis.Password = redacted
	}
	if masked.Node.Key != "" {
		masked.Node.Key = redacted
	}

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
