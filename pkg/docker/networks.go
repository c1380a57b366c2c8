package docker

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"

	"github.com/abcdlsj/devnest/pkg/labels"
)

// errUnmanaged classifies as a conflict: the name is taken by something
// devnest does not own.
var errUnmanaged = errdefs.Conflict(errors.New("resource is not managed by devnest"))

// EnsureNetwork creates the shared bridge network if it is missing.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	lctx, cancel := c.statusCtx(ctx)
	defer cancel()

	nets, err := c.cli.NetworkList(lctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return wrap("list networks", name, err)
	}
	for _, n := range nets {
		// the name filter matches substrings
		if n.Name == name {
			return nil
		}
	}

	_, err = c.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels.For(labels.KindProxy, name),
	})
	if err != nil && !IsConflict(err) {
		return wrap("create network", name, err)
	}

	log.Info("Created network", "network", name)
	return nil
}

func (c *Client) listNetworks(ctx context.Context, args filters.Args) ([]Resource, error) {
	nets, err := c.cli.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return nil, wrap("list networks", "", err)
	}

	var out []Resource
	for _, n := range nets {
		if !labels.IsManaged(n.Labels) {
			continue
		}
		out = append(out, Resource{
			Type:   ResourceNetwork,
			ID:     n.ID,
			Name:   n.Name,
			Kind:   labels.KindOf(n.Labels),
			Owner:  labels.OwnerOf(n.Labels),
			Labels: n.Labels,
		})
	}
	return out, nil
}
