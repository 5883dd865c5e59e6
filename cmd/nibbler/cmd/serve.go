package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nibbler-dev/nibbler/internal/web"
)

// serveCmd drives the read-only status web API (SPEC_FULL.md §4.16). It
// isn't part of the job lifecycle itself, but A4 needs some process to
// bind and run it, and the engine's other entry points are all one-shot
// job-driving commands.
var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override the configured listen address (host:port)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only job status web API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, repoRoot, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Web.Enabled && serveAddr == "" {
		return fmt.Errorf("web API is disabled (set web.enabled: true or pass --addr)")
	}
	logger := newLogger(cfg)

	webCfg := web.DefaultConfig()
	if cfg.Web.Addr != "" {
		webCfg.Addr = cfg.Web.Addr
	}
	if serveAddr != "" {
		webCfg.Addr = serveAddr
	}

	srv := web.New(webCfg, repoRoot, logger.Logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "serving job status on %s\n", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down status server")
	return srv.Shutdown(context.Background())
}
