package blobstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"forge.static-hosting.dev/platform/internal/errs"
	"forge.static-hosting.dev/platform/internal/ids"
)

// BucketSize is the partition width used to compute a FileChunk's
// bucket) / 67_108_864)").
// On a partitioned database this keeps one logical file's chunks spread
// across multiple partitions once it grows past 64 MiB; against the
// flat-keyspace Storage backends here it only affects the chunk key,
// not read/write performance, but is kept so the on-disk/S3 layout
// matches the data model's addressing scheme exactly.
const BucketSize = 64 * 1024 * 1024

// File is the visible, finished form of a chunked upload.
type File struct {
	Project  ids.ID
	Checksum ids.Checksum
	Length   uint64
}

// ChunkStore implements chunked file storage on top of a raw Storage
// backend: get_file, create_chunk, finish_file, get_file_chunks.
type ChunkStore struct {
	backing Storage
}

func NewChunkStore(backing Storage) *ChunkStore {
	return &ChunkStore{backing: backing}
}

func base(project ids.ID, checksum ids.Checksum) string {
	return project.String() + "/" + checksum.Key()
}

func chunkBucket(offset uint64, dataLen int) uint64 {
	return (offset + uint64(dataLen)) / BucketSize
}

func chunkKey(project ids.ID, checksum ids.Checksum, bucket, offset uint64) string {
	return fmt.Sprintf("%s/chunks/%020d/%020d", base(project, checksum), bucket, offset)
}

func totalLengthKey(project ids.ID, checksum ids.Checksum) string {
	return base(project, checksum) + "/total_length"
}

func finishedKey(project ids.ID, checksum ids.Checksum) string {
	return base(project, checksum) + "/finished"
}

// GetFile returns the File once finish_file has been called for it, or
// errs.NotFound before that.
func (s *ChunkStore) GetFile(ctx context.Context, project ids.ID, checksum ids.Checksum) (File, error) {
	ok, err := s.backing.Exists(ctx, finishedKey(project, checksum))
	if err != nil {
		return File{}, fmt.Errorf("blobstore: check finished marker: %w", err)
	}
	if !ok {
		return File{}, errs.Wrap(errs.KindNotFound, "blobstore.GetFile", fmt.Errorf("file %s/%s not finished", project, checksum.Key()))
	}

	raw, err := s.backing.Get(ctx, totalLengthKey(project, checksum))
	if err != nil {
		return File{}, fmt.Errorf("blobstore: read total length: %w", err)
	}
	length, err := decodeUint64(raw)
	if err != nil {
		return File{}, err
	}

	return File{Project: project, Checksum: checksum, Length: length}, nil
}

// CreateChunk writes one chunk of data at offset, idempotent on
// (project, checksum, bucket, offset) totalLength is
// optional and, when the chunk falls in bucket 0, is persisted
// alongside it (but does not by itself make the file visible — only
// FinishFile does that).
func (s *ChunkStore) CreateChunk(ctx context.Context, project ids.ID, checksum ids.Checksum, totalLength *uint64, offset uint64, data []byte) error {
	bucket := chunkBucket(offset, len(data))
	if err := s.backing.Set(ctx, chunkKey(project, checksum, bucket, offset), data); err != nil {
		return fmt.Errorf("blobstore: write chunk at offset %d: %w", offset, err)
	}

	if bucket == 0 && totalLength != nil {
		if err := s.backing.Set(ctx, totalLengthKey(project, checksum), encodeUint64(*totalLength)); err != nil {
			return fmt.Errorf("blobstore: write total length: %w", err)
		}
	}

	return nil
}

// FinishFile is the commit point after which GetFile returns the File:
// it sets the total length and then writes the finished
// marker, in that order so a crash between the two never makes a
// length-less file visible.
func (s *ChunkStore) FinishFile(ctx context.Context, project ids.ID, checksum ids.Checksum, totalLength uint64) error {
	if err := s.backing.Set(ctx, totalLengthKey(project, checksum), encodeUint64(totalLength)); err != nil {
		return fmt.Errorf("blobstore: write total length: %w", err)
	}
	if err := s.backing.Set(ctx, finishedKey(project, checksum), []byte{1}); err != nil {
		return fmt.Errorf("blobstore: write finished marker: %w", err)
	}
	return nil
}

// Chunk is one byte range returned by GetFileChunks.
type Chunk struct {
	Offset uint64
	Data   []byte
}

// GetFileChunks returns every chunk whose offset falls in [start, end),
// ordered ascending by offset. A zero-width range returns
// no chunks (boundary behavior).
func (s *ChunkStore) GetFileChunks(ctx context.Context, project ids.ID, checksum ids.Checksum, start, end uint64) ([]Chunk, error) {
	if start >= end {
		return nil, nil
	}

	prefix := base(project, checksum) + "/chunks/"
	keys, err := s.backing.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("blobstore: list chunks: %w", err)
	}

	var chunks []Chunk
	for _, key := range keys {
		offset, ok := parseChunkOffset(key, prefix)
		if !ok {
			continue
		}
		if offset < start || offset >= end {
			continue
		}
		data, err := s.backing.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("blobstore: read chunk %q: %w", key, err)
		}
		chunks = append(chunks, Chunk{Offset: offset, Data: data})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })
	return chunks, nil
}

// parseChunkOffset extracts the trailing offset component of a chunk
// key of the form "<prefix><bucket>/<offset>".
func parseChunkOffset(key, prefix string) (uint64, bool) {
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return 0, false
	}
	offset, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return offset, true
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("blobstore: corrupt length marker (len %d)", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
