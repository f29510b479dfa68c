package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"forge.static-hosting.dev/platform/internal/errs"
	"forge.static-hosting.dev/platform/internal/ids"
)

func TestChunkStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewChunkStore(NewFsStorage(t.TempDir()))

	project, err := ids.NewRandom()
	require.NoError(t, err)
	checksum, err := ids.SumBytes(project, []byte("<!doctype html>\n"))
	require.NoError(t, err)

	_, err = store.GetFile(ctx, project, checksum)
	require.True(t, errs.Is(err, errs.KindNotFound))

	data := []byte("<!doctype html>\n")
	require.NoError(t, store.CreateChunk(ctx, project, checksum, nil, 0, data))

	// Still not visible before FinishFile.
	_, err = store.GetFile(ctx, project, checksum)
	require.True(t, errs.Is(err, errs.KindNotFound))

	require.NoError(t, store.FinishFile(ctx, project, checksum, uint64(len(data))))

	f, err := store.GetFile(ctx, project, checksum)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), f.Length)

	chunks, err := store.GetFileChunks(ctx, project, checksum, 0, uint64(len(data)))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, data, chunks[0].Data)
}

func TestChunkStoreMultipleChunksOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewChunkStore(NewFsStorage(t.TempDir()))

	project, err := ids.NewRandom()
	require.NoError(t, err)
	checksum, err := ids.SumBytes(project, []byte("abcdef"))
	require.NoError(t, err)

	// Write chunks out of order; CreateChunk must be order-independent.
	require.NoError(t, store.CreateChunk(ctx, project, checksum, nil, 3, []byte("def")))
	require.NoError(t, store.CreateChunk(ctx, project, checksum, nil, 0, []byte("abc")))
	require.NoError(t, store.FinishFile(ctx, project, checksum, 6))

	chunks, err := store.GetFileChunks(ctx, project, checksum, 0, 6)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, uint64(0), chunks[0].Offset)
	require.Equal(t, []byte("abc"), chunks[0].Data)
	require.Equal(t, uint64(3), chunks[1].Offset)
	require.Equal(t, []byte("def"), chunks[1].Data)
}

func TestChunkStoreEmptyRange(t *testing.T) {
	ctx := context.Background()
	store := NewChunkStore(NewFsStorage(t.TempDir()))
	project, err := ids.NewRandom()
	require.NoError(t, err)
	checksum, err := ids.SumBytes(project, []byte("x"))
	require.NoError(t, err)

	chunks, err := store.GetFileChunks(ctx, project, checksum, 5, 5)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestChunkStoreCreateChunkIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewChunkStore(NewFsStorage(t.TempDir()))
	project, err := ids.NewRandom()
	require.NoError(t, err)
	checksum, err := ids.SumBytes(project, []byte("abc"))
	require.NoError(t, err)

	require.NoError(t, store.CreateChunk(ctx, project, checksum, nil, 0, []byte("abc")))
	require.NoError(t, store.CreateChunk(ctx, project, checksum, nil, 0, []byte("abc")))
	require.NoError(t, store.FinishFile(ctx, project, checksum, 3))

	chunks, err := store.GetFileChunks(ctx, project, checksum, 0, 3)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}
