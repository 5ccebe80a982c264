package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bcdev/calvalus-portal/internal/backend"
	"github.com/bcdev/calvalus-portal/internal/config"
	"github.com/bcdev/calvalus-portal/internal/logging"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/status"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

type app struct {
	cfg    *model.Config
	logger zerolog.Logger
	closer io.Closer
}

var (
	cfgPath  string
	logLevel string
	cur      *app
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if cur != nil && cur.closer != nil {
		cur.closer.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "calvalus",
		Short:         "Order, watch and account Calvalus productions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadApp()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml or toml, default ~/.calvalus/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newInitCmd(),
		newProductionsCmd(),
		newPortalCmd(),
		newCollectorCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

func loadApp() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	cur = &app{cfg: cfg, logger: logger, closer: closer}
	return nil
}

func newBackendClient(cfg *model.Config) (*backend.Client, error) {
	return backend.New(cfg.Backend.URL,
		backend.WithToken(cfg.Backend.Token),
		backend.WithTimeout(time.Duration(cfg.Backend.TimeoutSec)*time.Second),
	)
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show collector, portal and cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return status.Run(cmd.Context(), cur.cfg, cmd.OutOrStdout(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "calvalus %s\n", version)
		},
	}
}
