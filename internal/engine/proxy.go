package engine

import (
	"context"
	"crypto/x509"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/abcdlsj/devnest/pkg/cert"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/labels"
)

const (
	proxyOwner  = "proxy"
	proxyName   = "devnest-proxy"
	proxyVolume = "devnest-proxy-data"
)

// ProxyState returns the proxy container, located by its type label.
func (e *Engine) ProxyState(ctx context.Context) (docker.ContainerState, error) {
	return e.rt.FindByLabel(ctx, labels.Type, string(labels.KindProxy), labels.KindProxy)
}

// EnsureProxy makes sure the reverse-proxy container exists and runs. The
// proxy keeps its local CA under a named volume so the root certificate
// survives recreation. Creating or starting the proxy makes the next
// reconcile apply its routes again.
func (e *Engine) EnsureProxy(ctx context.Context) (docker.ContainerState, error) {
	cfg := e.Config()

	st, err := e.ProxyState(ctx)
	if err != nil {
		return st, err
	}
	if st.Exists {
		if !st.Running {
			if err := e.startAndWait(ctx, st.ID); err != nil {
				return st, fmt.Errorf("proxy: %w", err)
			}
			e.proxy.Reset()
		}
		return e.ProxyState(ctx)
	}

	ok, err := e.rt.ImageExists(ctx, cfg.Proxy.Image)
	if err != nil {
		return st, err
	}
	if !ok {
		log.Info("Pulling proxy image", "image", cfg.Proxy.Image)
		if err := e.rt.PullImage(ctx, cfg.Proxy.Image); err != nil {
			return st, err
		}
	}
	if err := e.rt.EnsureNetwork(ctx, cfg.Network); err != nil {
		return st, fmt.Errorf("proxy: %w", err)
	}
	if err := e.rt.CreateVolume(ctx, proxyVolume, labels.KindProxy, proxyOwner); err != nil {
		return st, fmt.Errorf("proxy: %w", err)
	}

	id, err := e.rt.CreateContainer(ctx, docker.ContainerSpec{
		Name:    proxyName,
		Image:   cfg.Proxy.Image,
		Kind:    labels.KindProxy,
		Owner:   proxyOwner,
		Labels:  map[string]string{labels.Port: strconv.Itoa(cfg.Proxy.HTTPSPort)},
		Ports:   map[string]int{"443/tcp": cfg.Proxy.HTTPSPort},
		Mounts:  []docker.Mount{{Volume: proxyVolume, Target: "/data"}},
		Network: cfg.Network,
		Restart: "unless-stopped",
	})
	if err != nil {
		return st, err
	}
	if err := e.startAndWait(ctx, id); err != nil {
		return st, fmt.Errorf("proxy: %w", err)
	}
	e.proxy.Reset()

	log.Info("Proxy container ready", "id", docker.ShortID(id), "https_port", cfg.Proxy.HTTPSPort)
	return e.ProxyState(ctx)
}

// RootCert waits for the proxy's local CA to appear and returns it parsed
// along with its PEM encoding.
func (e *Engine) RootCert(ctx context.Context) (*x509.Certificate, []byte, error) {
	st, err := e.ProxyState(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !st.Running {
		return nil, nil, fmt.Errorf("proxy is not running: %w", docker.ErrNotFound)
	}
	return cert.WaitForRootCert(ctx, e.rt, st.ID, e.Config().Proxy.RootCert, cert.DefaultPollInterval, cert.DefaultWaitTimeout)
}
