package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abcdlsj/devnest/internal/engine"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage the local HTTPS reverse proxy",
}

var proxyUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create and start the proxy container",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			var st docker.ContainerState
			err := spin("Starting proxy...", func() (err error) {
				st, err = e.EnsureProxy(ctx)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("Proxy running as %s on port %d\n", st.ShortID(), cfg.Proxy.HTTPSPort)
			return reconcile(ctx, e)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Bring the proxy configuration in line with the configured projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), reconcile)
	},
}

func reconcile(ctx context.Context, e *engine.Engine) error {
	res, err := e.ReconcileProxy(ctx)
	if err != nil {
		return err
	}
	switch res.Skipped {
	case proxy.SkipNoProxy:
		fmt.Println("No proxy running, nothing to do (start one with `devnest proxy up`)")
	case proxy.SkipUnchanged:
		fmt.Printf("Proxy configuration unchanged (%d projects routed)\n", res.Routed)
	default:
		fmt.Printf("Proxy configuration applied (%d projects routed)\n", res.Routed)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(reconcileCmd)
	proxyCmd.AddCommand(proxyUpCmd)
}
