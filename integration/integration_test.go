package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"forge.static-hosting.dev/platform/internal/blobstore"
	"forge.static-hosting.dev/platform/internal/buildworker"
	"forge.static-hosting.dev/platform/internal/httpserve"
	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

// TestBuildAndServe drives a single layer through the build worker
// against a Consul-backed Repository and a MinIO-backed blob store,
// then serves the resulting layer set back out over HTTP and checks
// the response the content route produces.
func TestBuildAndServe(t *testing.T) {
	if testing.Short() {
		t.Skip("integration: skipping container-backed test in short mode")
	}

	ctx := context.Background()

	repo, consulCleanup, err := consulSetup(ctx)
	require.NoError(t, err)
	defer consulCleanup()

	storage, minioCleanup, err := minioSetup(ctx)
	require.NoError(t, err)
	defer minioCleanup()

	chunks := blobstore.NewChunkStore(storage)
	workDir := t.TempDir()

	w, err := buildworker.New(repo, chunks, workDir)
	require.NoError(t, err)

	project, err := ids.NewRandom()
	require.NoError(t, err)
	require.NoError(t, repo.CreateProject(ctx, metadata.Project{ID: project, Name: "integration"}))
	require.NoError(t, repo.CreateLayerSet(ctx, metadata.LayerSet{
		Project:    project,
		Name:       "www",
		Visibility: metadata.VisibilityPublic,
	}))

	layerID, err := ids.NewV7()
	require.NoError(t, err)
	require.NoError(t, repo.CreateLayer(ctx, metadata.Layer{
		Project:  project,
		LayerSet: "www",
		ID:       layerID,
		Status:   metadata.LayerBuilding,
	}))

	// This layer set has no bound source, so the worker chunks straight
	// out of its own build directory; seed the file there exactly where
	// a source-bound build would have materialized a checked-out tree.
	const body = "<!doctype html>\n<title>integration</title>\n"
	buildDir := filepath.Join(workDir, "builds", layerID.String())
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "index.html"), []byte(body), 0o644))

	require.NoError(t, w.Tick(ctx))

	layer, err := repo.GetLayer(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, metadata.LayerReady, layer.Status)

	const fqdn = "integration.example.test"
	require.NoError(t, repo.PutValidatedDomain(ctx, metadata.ValidatedDomain{
		FQDN:     ids.FQDN(fqdn),
		Project:  project,
		LayerSet: "www",
	}))

	srv := &httpserve.Server{Repo: repo, Chunks: chunks}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.Host = fqdn

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	require.Equal(t, "SAMEORIGIN", resp.Header.Get("X-Frame-Options"))
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, body, string(got))
}

// TestBuildCancelsStaleLayer checks that a layer superseded by a newer
// last_layer_id before its own build lease is taken gets cancelled
// rather than built, against the same Consul-backed Repository the
// happy path above uses.
func TestBuildCancelsStaleLayer(t *testing.T) {
	if testing.Short() {
		t.Skip("integration: skipping container-backed test in short mode")
	}

	ctx := context.Background()

	repo, consulCleanup, err := consulSetup(ctx)
	require.NoError(t, err)
	defer consulCleanup()

	storage, minioCleanup, err := minioSetup(ctx)
	require.NoError(t, err)
	defer minioCleanup()

	chunks := blobstore.NewChunkStore(storage)
	w, err := buildworker.New(repo, chunks, t.TempDir())
	require.NoError(t, err)

	project, err := ids.NewRandom()
	require.NoError(t, err)
	require.NoError(t, repo.CreateLayerSet(ctx, metadata.LayerSet{Project: project, Name: "www"}))

	staleLayer, err := ids.NewV7()
	require.NoError(t, err)
	newerLayer, err := ids.NewV7()
	require.NoError(t, err)

	require.NoError(t, repo.CreateLayer(ctx, metadata.Layer{Project: project, LayerSet: "www", ID: staleLayer, Status: metadata.LayerBuilding}))

	outcome, err := repo.SetLastLayerID(ctx, project, "www", newerLayer)
	require.NoError(t, err)
	require.Equal(t, metadata.CASApplied, outcome)

	require.NoError(t, w.Tick(ctx))

	layer, err := repo.GetLayer(ctx, project, "www", staleLayer)
	require.NoError(t, err)
	require.Equal(t, metadata.LayerCancelled, layer.Status)
}
