package docker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/client"
)

const (
	DefaultStatusTimeout = 3 * time.Second
	defaultStopTimeout   = 10
)

// Options configures how the Client reaches the daemon.
type Options struct {
	// Host overrides DOCKER_HOST, e.g. unix:///var/run/docker.sock.
	Host string
	// StatusTimeout bounds ping/list/inspect calls.
	StatusTimeout time.Duration
}

// Client is a thin façade over the Docker Engine API. It only ever touches
// resources labelled devnest.managed=true.
type Client struct {
	cli           client.APIClient
	statusTimeout time.Duration
}

// New connects to the daemon. It tries the environment first, then the
// configured host, then the usual socket locations.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = DefaultStatusTimeout
	}

	cli, err := connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &Client{cli: cli, statusTimeout: opts.StatusTimeout}, nil
}

// NewWithAPI wraps an existing API client, mostly for tests.
func NewWithAPI(cli client.APIClient, statusTimeout time.Duration) *Client {
	if statusTimeout <= 0 {
		statusTimeout = DefaultStatusTimeout
	}
	return &Client{cli: cli, statusTimeout: statusTimeout}
}

func connect(ctx context.Context, opts Options) (*client.Client, error) {
	var hosts []string
	if opts.Host != "" {
		hosts = append(hosts, opts.Host)
	}
	hosts = append(hosts, "")
	hosts = append(hosts, socketCandidates()...)

	var lastErr error
	for _, host := range hosts {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if host != "" {
			clientOpts = append(clientOpts, client.WithHost(host))
		}

		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			lastErr = err
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, opts.StatusTimeout)
		_, err = cli.Ping(pingCtx)
		cancel()
		if err == nil {
			log.Debug("Connected to container runtime", "host", cli.DaemonHost())
			return cli, nil
		}

		lastErr = err
		cli.Close()
	}

	return nil, wrap("connect", "", fmt.Errorf("could not reach container runtime: %w", lastErr))
}

func socketCandidates() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"unix://" + home + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + home + "/.colima/default/docker.sock",
		"unix://" + home + "/.rd/docker.sock",
	}
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Host returns the daemon address in use.
func (c *Client) Host() string {
	return c.cli.DaemonHost()
}

func (c *Client) statusCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.statusTimeout)
}

// Ping checks that the daemon answers within the status timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.statusCtx(ctx)
	defer cancel()

	_, err := c.cli.Ping(ctx)
	return wrap("ping", "", err)
}

// RuntimeInfo is the subset of daemon info shown to users.
type RuntimeInfo struct {
	ServerVersion     string `json:"server_version" yaml:"server_version"`
	OperatingSystem   string `json:"operating_system" yaml:"operating_system"`
	Containers        int    `json:"containers" yaml:"containers"`
	ContainersRunning int    `json:"containers_running" yaml:"containers_running"`
}

// Info queries daemon information within the status timeout.
func (c *Client) Info(ctx context.Context) (RuntimeInfo, error) {
	ctx, cancel := c.statusCtx(ctx)
	defer cancel()

	info, err := c.cli.Info(ctx)
	if err != nil {
		return RuntimeInfo{}, wrap("info", "", err)
	}

	return RuntimeInfo{
		ServerVersion:     info.ServerVersion,
		OperatingSystem:   info.OperatingSystem,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
	}, nil
}
