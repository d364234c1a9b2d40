package main

import (
	"strings"

	"github.com/cordum/jobrelay/core/controlplane/gateway"
	"github.com/cordum/jobrelay/core/infra/buildinfo"
	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/spf13/cobra"
)

type flags struct {
	configPath string
	httpAddr   string
	broker     string
	jobStore   string
	command    string
}

func rootCmd() *cobra.Command {
	f := &flags{}

	c := &cobra.Command{
		Use:          "jobrelay-gateway",
		Short:        "Job API and live stream gateway",
		Example:      "  jobrelay-gateway --broker redis --job-store sqlite --command ./bin/pipeline",
		Version:      buildinfo.Current().String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			buildinfo.Log("jobrelay-gateway")
			return gateway.Run(cmd.Context(), cfg)
		},
	}

	c.Flags().StringVar(&f.configPath, "config", "", "Path to a YAML config file layered over the environment")
	c.Flags().StringVar(&f.httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	c.Flags().StringVar(&f.broker, "broker", "", "Broker backend: memory, redis or nats (overrides config)")
	c.Flags().StringVar(&f.jobStore, "job-store", "", "Job store backend: memory, redis or sqlite (overrides config)")
	c.Flags().StringVar(&f.command, "command", "", "Executable that runs stage commands (overrides config)")

	return c
}

// loadConfig layers environment, optional file and flags, in that order.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(f.httpAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(f.broker); v != "" {
		cfg.Broker = strings.ToLower(v)
	}
	if v := strings.TrimSpace(f.jobStore); v != "" {
		cfg.JobStore = strings.ToLower(v)
	}
	if v := strings.TrimSpace(f.command); v != "" {
		cfg.Command = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
