package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/abcdlsj/devnest/pkg/labels"
)

// ImageExists reports whether ref is present in the local image store.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	ctx, cancel := c.statusCtx(ctx)
	defer cancel()

	imgs, err := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, wrap("list images", ref, err)
	}
	return len(imgs) > 0, nil
}

// PullImage pulls ref unless it is already present.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	ok, err := c.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	log.Info("Pulling image", "image", ref)
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrap("pull image", ref, err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return wrap("pull image", ref, err)
	}
	return nil
}

// BuildImage builds tag from a single Dockerfile with an otherwise empty
// context.
func (c *Client) BuildImage(ctx context.Context, tag, dockerfile string) error {
	buildCtx, err := dockerfileContext(dockerfile)
	if err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}

	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      labels.For(labels.KindHelper, "images"),
	})
	if err != nil {
		return wrap("build image", tag, err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, nil); err != nil {
		log.Debug("Image build output", "image", tag, "output", out.String())
		return wrap("build image", tag, err)
	}

	log.Info("Built image", "image", tag)
	return nil
}

func dockerfileContext(dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "Dockerfile",
		Mode:    0o644,
		Size:    int64(len(dockerfile)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
