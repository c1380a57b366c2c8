package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdlsj/devnest/pkg/labels"
	"github.com/abcdlsj/devnest/pkg/proxy"
)

func TestEnsureProxy(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.Proxy.Image = "caddy:2-alpine"
	cfg.Proxy.HTTPSPort = 8443
	e := New(rt, cfg, nil)

	st, err := e.EnsureProxy(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, labels.KindProxy, labels.KindOf(st.Labels))

	require.Len(t, rt.created, 1)
	assert.Equal(t, 8443, rt.created[0].Ports["443/tcp"])
	assert.Equal(t, "devnest", rt.created[0].Network)
	assert.Contains(t, rt.volumes, proxyVolume)

	again, err := e.EnsureProxy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, st.ID, again.ID)
	assert.Len(t, rt.created, 1, "existing proxy is reused")
}

func TestReconcileProxy_AppliesOnceProxyRuns(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.Proxy.Image = "caddy:2-alpine"
	e := New(rt, cfg, nil)
	e.ports.Probe = func(int) bool { return true }

	_, err := e.EnsureProxy(context.Background())
	require.NoError(t, err)
	_, err = e.CreateProjectContainer(context.Background(), mustSpec(t, e, "alpha"))
	require.NoError(t, err)

	res, err := e.ReconcileProxy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxy.SkipNone, res.Skipped)
	assert.Equal(t, 3, rt.execs)

	res, err = e.ReconcileProxy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxy.SkipUnchanged, res.Skipped)
	assert.Equal(t, 3, rt.execs)
}

func TestReconcileProxy_RecreatedProxyGetsRoutes(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.Proxy.Image = "caddy:2-alpine"
	e := New(rt, cfg, nil)
	e.ports.Probe = func(int) bool { return true }
	ctx := context.Background()

	_, err := e.EnsureProxy(ctx)
	require.NoError(t, err)
	_, err = e.CreateProjectContainer(ctx, mustSpec(t, e, "alpha"))
	require.NoError(t, err)
	_, err = e.ReconcileProxy(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rt.execs)

	require.NoError(t, e.Remove(ctx, labels.KindProxy, proxyOwner, false))
	_, err = e.EnsureProxy(ctx)
	require.NoError(t, err)

	res, err := e.ReconcileProxy(ctx)
	require.NoError(t, err)
	assert.Equal(t, proxy.SkipNone, res.Skipped)
	assert.Equal(t, 6, rt.execs)
}

func TestEnsureProxy_StartingStoppedProxyReapplies(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.Proxy.Image = "caddy:2-alpine"
	e := New(rt, cfg, nil)
	e.ports.Probe = func(int) bool { return true }
	ctx := context.Background()

	px, err := e.EnsureProxy(ctx)
	require.NoError(t, err)
	_, err = e.CreateProjectContainer(ctx, mustSpec(t, e, "alpha"))
	require.NoError(t, err)
	_, err = e.ReconcileProxy(ctx)
	require.NoError(t, err)

	require.NoError(t, e.Stop(ctx, labels.KindProxy, proxyOwner))
	again, err := e.EnsureProxy(ctx)
	require.NoError(t, err)
	assert.Equal(t, px.ID, again.ID)

	res, err := e.ReconcileProxy(ctx)
	require.NoError(t, err)
	assert.Equal(t, proxy.SkipNone, res.Skipped)
	assert.Equal(t, 6, rt.execs)
}

func mustSpec(t *testing.T, e *Engine, id string) ProjectSpec {
	t.Helper()
	spec, err := e.ProjectSpecFor(id)
	require.NoError(t, err)
	return spec
}
