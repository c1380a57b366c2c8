package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/devnest/internal/engine"
	"github.com/abcdlsj/devnest/pkg/config"
	"github.com/abcdlsj/devnest/pkg/docker"
)

var (
	cfgFile string
	debug   bool
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:   "devnest",
		Short: "Per-project container dev environments",
		Long: `Devnest runs each project in its own container with a source volume,
keeps host and volume files in sync through helper containers and routes
https://<project>.localhost to the right container through a local proxy.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
			c, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = c
			log.Debug("Using config file", "path", cfg.Path)
			return nil
		},
	}
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Configure logger
	log.SetReportTimestamp(true)
	log.SetTimeFormat("2006-01-02 15:04:05")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.devnest/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// withEngine connects to the runtime and runs fn against a one-shot engine.
func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	cli, err := docker.New(ctx, docker.Options{Host: cfg.Docker.Host, StatusTimeout: cfg.Docker.StatusTimeout})
	if err != nil {
		return fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	defer cli.Close()

	return fn(ctx, engine.New(cli, cfg, nil))
}
