package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/infra"
)

// version подставляется при сборке через -ldflags.
var version = "dev"

type rootOptions struct {
	configPath string
	cfg        *infra.Config
	logger     *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "uag",
		Short:         "Sensor gateway: exposes host capabilities to agents under policy",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := infra.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newDiagnoseCmd(opts),
		newAuditCmd(opts),
		newApproveCmd(opts),
		newAgentCmd(opts),
		newScopeCmd(opts),
	)
	return root
}
