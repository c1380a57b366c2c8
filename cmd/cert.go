package cmd

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/devnest/internal/engine"
	"github.com/abcdlsj/devnest/pkg/cert"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect the proxy's local certificate authority",
}

var certExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the proxy's root certificate to a file",
	Long: `Wait for the proxy to create its local CA, then write the root
certificate as PEM so it can be added to the system trust store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			var (
				crt *x509.Certificate
				pem []byte
			)
			err := spin("Waiting for the proxy's root certificate...", func() (err error) {
				crt, pem, err = e.RootCert(ctx)
				return err
			})
			if err != nil {
				return err
			}
			if cert.Expired(crt, time.Now()) {
				log.Warn("Root certificate has expired", "not_after", crt.NotAfter)
			}
			if err := cert.Export(args[0], pem); err != nil {
				return err
			}

			info := cert.Describe(crt)
			fmt.Printf("Wrote %s\n", args[0])
			fmt.Printf("  Subject:     %s\n", info.Subject)
			fmt.Printf("  Valid until: %s\n", info.NotAfter.Format(time.DateOnly))
			fmt.Printf("  SHA-256:     %s\n", info.Fingerprint)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certExportCmd)
}
