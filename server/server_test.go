package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	httpServer := httptest.NewServer(s.Handler())
	t.Cleanup(httpServer.Close)
	return s, NewClient(httpServer.URL)
}

func TestObjectWireProtocol(t *testing.T) {
	ctx := context.Background()
	_, client := newTestServer(t)

	data, err := value.Serialize(value.String("over the wire"))
	require.NoError(t, err)
	i := id.New(id.String, data)

	ok, err := client.GetObjectExists(ctx, i)
	require.NoError(t, err)
	assert.False(t, ok)

	missing, err := client.TryPutObject(ctx, i, data)
	require.NoError(t, err)
	assert.Empty(t, missing)

	got, ok, err := client.TryGetObject(ctx, i)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, got))
}

func TestPutObjectReportsMissingChildren(t *testing.T) {
	ctx := context.Background()
	_, client := newTestServer(t)

	leafData, err := value.Serialize(&value.Leaf{Bytes: []byte("x")})
	require.NoError(t, err)
	leafID := id.New(id.Leaf, leafData)

	fileData, err := value.Serialize(&value.File{Contents: value.HandleWithID(leafID)})
	require.NoError(t, err)
	fileID := id.New(id.File, fileData)

	missing, err := client.TryPutObject(ctx, fileID, fileData)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, leafID, missing[0])
}

func TestBuildJSTargetOverWire(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)

	// Store a package with a hello target.
	src := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(src, "tangram.ts"),
		[]byte(`export let hello = tg.target(() => "hi");`),
		0o644,
	))
	pkg, err := s.Resolver().Checkin(ctx, src)
	require.NoError(t, err)

	target := value.NewTarget(value.SystemJS).Package(pkg).Name("hello").Build()
	taskID, err := target.ID(ctx, s.Store())
	require.NoError(t, err)

	run, err := client.GetOrCreateBuildForTarget(ctx, taskID)
	require.NoError(t, err)

	deadline, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, ok, err := client.TryGetBuildOutput(deadline, run)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, result.Ok(), "output error: %+v", result.Error)
	assert.Equal(t, value.String("hi"), result.Value)

	// Memoized: the same run comes back, now from the assignment.
	again, err := client.GetOrCreateBuildForTarget(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, run, again)

	got, ok, err := client.TryGetBuildForTarget(ctx, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, run, got)
}

func TestBuildErrorRoundTripsOverWire(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(src, "tangram.ts"),
		[]byte(`export let boom = tg.target(() => { throw new Error("deliberate"); });`),
		0o644,
	))
	pkg, err := s.Resolver().Checkin(ctx, src)
	require.NoError(t, err)
	target := value.NewTarget(value.SystemJS).Package(pkg).Name("boom").Build()
	taskID, err := target.ID(ctx, s.Store())
	require.NoError(t, err)

	run, err := client.GetOrCreateBuildForTarget(ctx, taskID)
	require.NoError(t, err)
	deadline, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, ok, err := client.TryGetBuildOutput(deadline, run)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, result.Ok())
	assert.Equal(t, "deliberate", result.Error.Message)
	require.NotNil(t, result.Error.Location)
}

func TestRegistryPublishAndResolve(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(src, "tangram.ts"),
		[]byte(`export let std = tg.target(() => "std");`),
		0o644,
	))
	pkg, err := s.Resolver().Checkin(ctx, src)
	require.NoError(t, err)
	pkgID, err := pkg.ID(ctx, s.Store())
	require.NoError(t, err)

	require.NoError(t, client.PublishPackage(ctx, "std", "1.2.0", pkgID))

	versions, err := client.GetPackageVersions(ctx, "std")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.0"}, versions)

	resolved, err := client.GetPackage(ctx, "std", "1.2.0")
	require.NoError(t, err)
	resolvedID, _ := resolved.CachedID()
	assert.Equal(t, pkgID, resolvedID)
}

func TestHealth(t *testing.T) {
	_, client := newTestServer(t)
	require.NoError(t, client.Health(context.Background()))
}

func TestParentDelegationForObjects(t *testing.T) {
	ctx := context.Background()

	// Parent with an object.
	parent, err := New(ctx, Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { parent.Close() })
	parentHTTP := httptest.NewServer(parent.Handler())
	t.Cleanup(parentHTTP.Close)

	data, err := value.Serialize(value.String("upstream"))
	require.NoError(t, err)
	i := id.New(id.String, data)
	_, err = parent.Store().TryPutObject(ctx, i, data)
	require.NoError(t, err)

	// Child configured with the parent.
	child, err := New(ctx, Config{Path: t.TempDir(), Parent: parentHTTP.URL})
	require.NoError(t, err)
	t.Cleanup(func() { child.Close() })

	got, ok, err := child.Store().TryGetObject(ctx, i)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, got))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()
	resp, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
