package buildworker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"forge.static-hosting.dev/platform/internal/blobstore"
	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

func TestWorkerBuildAndFinalizeSourcelessLayer(t *testing.T) {
	ctx := context.Background()
	repo := metadata.NewMemory()
	chunks := blobstore.NewChunkStore(blobstore.NewFsStorage(t.TempDir()))
	workDir := t.TempDir()

	w, err := New(repo, chunks, workDir)
	require.NoError(t, err)

	project, err := ids.NewRandom()
	require.NoError(t, err)
	require.NoError(t, repo.CreateProject(ctx, metadata.Project{ID: project, Name: "test"}))
	require.NoError(t, repo.CreateLayerSet(ctx, metadata.LayerSet{Project: project, Name: "www", Visibility: metadata.VisibilityPublic}))

	layerID, err := ids.NewV7()
	require.NoError(t, err)
	require.NoError(t, repo.CreateLayer(ctx, metadata.Layer{Project: project, LayerSet: "www", ID: layerID, Status: metadata.LayerBuilding}))

	outcome, err := repo.TrySetCurrentBuild(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, metadata.CASApplied, outcome)

	// A build worker with no bound Git source chunks straight out of
	// its own build directory, so seed it directly as a layer "source".
	dir := w.buildDir(layerID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<!doctype html>\n"), 0o644))

	ls, err := repo.GetLayerSet(ctx, project, "www")
	require.NoError(t, err)
	layer, err := repo.GetLayer(ctx, project, "www", layerID)
	require.NoError(t, err)

	require.NoError(t, w.buildSingle(ctx, ls, layer))

	layer, err = repo.GetLayer(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, metadata.LayerFinalizing, layer.Status)

	require.NoError(t, w.finalizeSingle(ctx, ls, layer))

	layer, err = repo.GetLayer(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, metadata.LayerReady, layer.Status)

	summary, err := repo.GetLayerMemberSummary(ctx, project, "www", layerID, []string{"/", "/index.html"})
	require.NoError(t, err)
	require.Len(t, summary, 2)

	var rootMember, indexMember *metadata.LayerMember
	for i := range summary {
		switch summary[i].Path {
		case "/":
			rootMember = &summary[i]
		case "/index.html":
			indexMember = &summary[i]
		}
	}
	require.NotNil(t, rootMember)
	require.NotNil(t, indexMember)
	require.Equal(t, indexMember.Checksum, rootMember.Checksum)

	chunkRows, err := chunks.GetFileChunks(ctx, project, indexMember.Checksum, 0, 1<<20)
	require.NoError(t, err)
	require.Len(t, chunkRows, 1)
	require.Equal(t, []byte("<!doctype html>\n"), chunkRows[0].Data)
}

func TestWorkerTickCancelsStaleLayer(t *testing.T) {
	ctx := context.Background()
	repo := metadata.NewMemory()
	chunks := blobstore.NewChunkStore(blobstore.NewFsStorage(t.TempDir()))
	w, err := New(repo, chunks, t.TempDir())
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
