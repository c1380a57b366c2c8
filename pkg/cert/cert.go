// Package cert retrieves the local certificate authority the proxy container
// generates for its HTTPS sites.
package cert

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/abcdlsj/devnest/pkg/docker"
)

const (
	// DefaultRootPath is where the proxy keeps its local CA certificate.
	DefaultRootPath = "/data/caddy/pki/authorities/local/root.crt"

	DefaultPollInterval = time.Second
	DefaultWaitTimeout  = 30 * time.Second
)

// ErrTimeout is returned when the proxy never produced its root certificate.
var ErrTimeout = errors.New("timed out waiting for proxy root certificate")

// Execer runs a command in a container.
type Execer interface {
	Exec(ctx context.Context, id string, argv []string) (docker.ExecResult, error)
}

// WaitForRootCert polls the proxy container until the certificate at path can
// be read and parsed. It returns the parsed certificate and its PEM bytes.
func WaitForRootCert(ctx context.Context, ex Execer, containerID, path string, interval, timeout time.Duration) (*x509.Certificate, []byte, error) {
	if path == "" {
		path = DefaultRootPath
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		res, err := ex.Exec(ctx, containerID, []string{"cat", path})
		switch {
		case err != nil:
			lastErr = err
		case res.ExitCode != 0:
			lastErr = fmt.Errorf("cat %s: exit code %d: %s", path, res.ExitCode, strings.TrimSpace(res.Output()))
		default:
			pem := []byte(res.Stdout)
			crt, err := certcrypto.ParsePEMCertificate(pem)
			if err == nil {
				return crt, pem, nil
			}
			lastErr = fmt.Errorf("parse %s: %w", path, err)
		}

		log.Debug("Root certificate not ready", "container", docker.ShortID(containerID), "err", lastErr)

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// Info is the human readable summary of a certificate.
type Info struct {
	Subject     string    `json:"subject" yaml:"subject"`
	Issuer      string    `json:"issuer" yaml:"issuer"`
	NotBefore   time.Time `json:"not_before" yaml:"not_before"`
	NotAfter    time.Time `json:"not_after" yaml:"not_after"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
}

func Describe(crt *x509.Certificate) Info {
	sum := sha256.Sum256(crt.Raw)
	hexSum := strings.ToUpper(hex.EncodeToString(sum[:]))

	var fp strings.Builder
	for i := 0; i < len(hexSum); i += 2 {
		if i > 0 {
			fp.WriteByte(':')
		}
		fp.WriteString(hexSum[i : i+2])
	}

	return Info{
		Subject:     crt.Subject.String(),
		Issuer:      crt.Issuer.String(),
		NotBefore:   crt.NotBefore,
		NotAfter:    crt.NotAfter,
		Fingerprint: fp.String(),
	}
}

// Expired reports whether the certificate is outside its validity window.
func Expired(crt *x509.Certificate, now time.Time) bool {
	return now.Before(crt.NotBefore) || now.After(crt.NotAfter)
}

// Export writes PEM bytes to path, creating parent directories.
func Export(path string, pem []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := os.WriteFile(path, pem, 0644); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	return nil
}
