package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/devnest/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the devnest daemon",
	Long: `Start the daemon: watch runtime events, keep the proxy configuration in
line with running projects and serve the local API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := server.New(cfg, cfg.Path)
		if err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		stopped := make(chan struct{})
		go func() {
			<-sig
			log.Info("Received signal, shutting down")
			s.Stop()
			close(stopped)
		}()

		if err := s.Start(); err != nil {
			s.Stop()
			return err
		}
		<-stopped
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
