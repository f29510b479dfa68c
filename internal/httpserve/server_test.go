package httpserve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"forge.static-hosting.dev/platform/internal/blobstore"
	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

func seedServedFile(t *testing.T, repo metadata.Repository, chunks *blobstore.ChunkStore, project ids.ID, layerSet string, path string, body []byte) ids.ID {
	t.Helper()
	ctx := context.Background()

	checksum, err := ids.SumBytes(project, body)
	require.NoError(t, err)
	total := uint64(len(body))
	require.NoError(t, chunks.CreateChunk(ctx, project, checksum, &total, 0, body))
	require.NoError(t, chunks.FinishFile(ctx, project, checksum, total))

	layerID, err := ids.NewV7()
	require.NoError(t, err)
	require.NoError(t, repo.CreateLayer(ctx, metadata.Layer{Project: project, LayerSet: layerSet, ID: layerID, Status: metadata.LayerReady}))
	require.NoError(t, repo.CreateLayerMembers(ctx, []metadata.LayerMember{{
		Project:      project,
		LayerSet:     layerSet,
		LayerID:      layerID,
		Path:         path,
		Checksum:     checksum,
		EncodingHint: ids.DefaultEncodingHint,
		Headers:      []metadata.Header{{Name: "Content-Type", Value: "text/html"}},
	}}))

	outcome, err := repo.SetLastLayerID(ctx, project, layerSet, layerID)
	require.NoError(t, err)
	require.Equal(t, metadata.CASApplied, outcome)
	return layerID
}

func TestServerServesKnownDomain(t *testing.T) {
	ctx := context.Background()
	repo := metadata.NewMemory()
	chunks := blobstore.NewChunkStore(blobstore.NewFsStorage(t.TempDir()))

	project, err := ids.NewRandom()
	require.NoError(t, err)
	require.NoError(t, repo.CreateProject(ctx, metadata.Project{ID: project, Name: "test"}))
	require.NoError(t, repo.CreateLayerSet(ctx, metadata.LayerSet{Project: project, Name: "www", Visibility: metadata.VisibilityPublic}))

	seedServedFile(t, repo, chunks, project, "www", "/index.html", []byte("<!doctype html>\n"))

	require.NoError(t, repo.PutValidatedDomain(ctx, metadata.ValidatedDomain{
		FQDN:     "example.com",
		Project:  project,
		LayerSet: "www",
	}))

	srv := &Server{Repo: repo, Chunks: chunks}
	req := httptest.NewRequest(http.MethodGet, "http://example.com/index.html", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<!doctype html>\n", rec.Body.String())
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServerUnknownDomainReturns404(t *testing.T) {
	repo := metadata.NewMemory()
	chunks := blobstore.NewChunkStore(blobstore.NewFsStorage(t.TempDir()))
	srv := &Server{Repo: repo, Chunks: chunks}

	req := httptest.NewRequest(http.MethodGet, "http://missing.example.com/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
