package docker

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"

	"github.com/abcdlsj/devnest/pkg/labels"
)

// CreateVolume creates a managed named volume. Creating a managed volume that
// already exists is a no-op; an unmanaged volume of the same name is a
// conflict and is left alone.
func (c *Client) CreateVolume(ctx context.Context, name string, kind labels.Kind, owner string) error {
	ictx, cancel := c.statusCtx(ctx)
	vol, err := c.cli.VolumeInspect(ictx, name)
	cancel()
	switch {
	case err == nil:
		if !labels.IsManaged(vol.Labels) {
			return wrap("create volume", name, errUnmanaged)
		}
		log.Debug("Volume already exists", "volume", name)
		return nil
	case !IsNotFound(err):
		return wrap("inspect volume", name, err)
	}

	_, err = c.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels.For(kind, owner),
	})
	if err != nil {
		// lost a race with another creator
		if IsConflict(err) {
			return nil
		}
		return wrap("create volume", name, err)
	}

	log.Debug("Created volume", "volume", name, "owner", owner)
	return nil
}

// VolumeExists reports whether a volume with this name exists.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := c.statusCtx(ctx)
	defer cancel()

	_, err := c.cli.VolumeInspect(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, wrap("inspect volume", name, err)
	}
	return true, nil
}

// RemoveVolume removes a managed volume. A volume still mounted by a
// container yields a conflict error, surfaced as is.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	ctx, cancel := c.statusCtx(ctx)
	defer cancel()

	vol, err := c.cli.VolumeInspect(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return wrap("inspect volume", name, err)
	}
	if !labels.IsManaged(vol.Labels) {
		return wrap("remove volume", name, errUnmanaged)
	}

	return wrap("remove volume", name, c.cli.VolumeRemove(ctx, name, false))
}

func (c *Client) listVolumes(ctx context.Context, args filters.Args) ([]Resource, error) {
	resp, err := c.cli.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, wrap("list volumes", "", err)
	}

	var out []Resource
	for _, v := range resp.Volumes {
		if v == nil || !labels.IsManaged(v.Labels) {
			continue
		}
		out = append(out, Resource{
			Type:   ResourceVolume,
			ID:     v.Name,
			Name:   v.Name,
			Kind:   labels.KindOf(v.Labels),
			Owner:  labels.OwnerOf(v.Labels),
			Labels: v.Labels,
		})
	}
	return out, nil
}
