package buildworker

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"forge.static-hosting.dev/platform/internal/gitssh"
	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

const (
	chunkBlockSize   = 1024 * 1024
	layerChangeBatch = 128
	flushInterval    = 250 * time.Millisecond
)

// buildSingle implements build_single: take the build
// lease, optionally materialize a Git source, then walk and chunk
// every regular file into a staged LayerChange.
func (w *Worker) buildSingle(ctx context.Context, ls metadata.LayerSet, l metadata.Layer) error {
	outcome, err := w.Repo.TrySetCurrentBuild(ctx, l.Project, l.LayerSet, l.ID)
	if err != nil {
		return fmt.Errorf("try set current build: %w", err)
	}
	if outcome == metadata.CASStale {
		_, _ = w.Repo.CancelLayer(ctx, l.Project, l.LayerSet, l.ID)
		return nil
	}
	if outcome == metadata.CASAlreadyHeldByOther {
		return nil
	}

	outcome, err = w.Repo.BuildLayer(ctx, l.Project, l.LayerSet, l.ID, w.ID)
	if err != nil {
		return fmt.Errorf("build layer: %w", err)
	}
	if outcome != metadata.CASApplied {
		return nil
	}

	dir := w.buildDir(l.ID)
	if err := ensureDir(dir); err != nil {
		return err
	}

	sourceDir := dir
	if ls.SourceName != "" && l.SourceCommit != "" {
		sourceDir = filepath.Join(dir, "source")
		if err := w.materializeSource(ctx, ls, l, dir, sourceDir); err != nil {
			return fmt.Errorf("materialize source: %w", err)
		}
	}

	if err := w.chunkTree(ctx, l.Project, l.LayerSet, l.ID, sourceDir); err != nil {
		return fmt.Errorf("chunk tree: %w", err)
	}

	outcome, err = w.Repo.FinishBuild(ctx, l.Project, l.LayerSet, l.ID, w.ID)
	if err != nil {
		return fmt.Errorf("finish build: %w", err)
	}
	if outcome != metadata.CASApplied {
		return fmt.Errorf("finish build: lease lost")
	}
	return nil
}

// materializeSource clones the layer's bound commit into sourceDir,
// resolving the commit's tree and writing it to disk.
func (w *Worker) materializeSource(ctx context.Context, ls metadata.LayerSet, l metadata.Layer, workDir, sourceDir string) error {
	source, err := w.Repo.GetSource(ctx, l.Project, ls.SourceName)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	remote, err := remoteFromSource(source)
	if err != nil {
		return err
	}

	result, err := gitssh.ShallowFetch(ctx, remote, ls.SourceRef, l.SourceCommit, workDir)
	if err != nil {
		return fmt.Errorf("shallow fetch: %w", err)
	}
	defer result.Store.Close()

	commitSHA, err := parseHexSHA20(result.Commit)
	if err != nil {
		return err
	}
	_, commitBody, err := result.Store.Get(commitSHA)
	if err != nil {
		return fmt.Errorf("read commit object: %w", err)
	}
	treeSHA, err := gitssh.CommitTreeSHA(commitBody)
	if err != nil {
		return err
	}

	if err := ensureDir(sourceDir); err != nil {
		return err
	}
	if err := gitssh.Materialize(result.Store, treeSHA, sourceDir); err != nil {
		return fmt.Errorf("materialize tree: %w", err)
	}

	if err := w.resolveLFSPointers(ctx, remote, sourceDir); err != nil {
		return fmt.Errorf("resolve lfs pointers: %w", err)
	}
	return nil
}

func parseHexSHA20(s string) ([20]byte, error) {
	var sha [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 20 {
		return sha, fmt.Errorf("buildworker: invalid object id %q", s)
	}
	copy(sha[:], raw)
	return sha, nil
}

// resolveLFSPointers replaces any file tracked by Git-LFS (per
// .gitattributes at the tree root) with its real content via the LFS
// batch-download flow.
func (w *Worker) resolveLFSPointers(ctx context.Context, remote gitssh.Remote, sourceDir string) error {
	attrPath := filepath.Join(sourceDir, ".gitattributes")
	attrs, err := os.ReadFile(attrPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read .gitattributes: %w", err)
	}

	var pointerPaths []string
	var pointers []gitssh.LFSPointer
	err = filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !gitssh.TracksLFS(attrs, rel) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		ptr, ok := gitssh.ParseLFSPointer(data)
		if !ok {
			return nil
		}
		pointerPaths = append(pointerPaths, p)
		pointers = append(pointers, ptr)
		return nil
	})
	if err != nil {
		return err
	}
	if len(pointers) == 0 {
		return nil
	}

	href, headers, err := gitssh.Authenticate(ctx, remote)
	if err != nil {
		return fmt.Errorf("lfs authenticate: %w", err)
	}

	contents, err := gitssh.BatchDownload(ctx, http.DefaultClient, href, headers, pointers)
	if err != nil {
		return fmt.Errorf("lfs batch download: %w", err)
	}

	for i, ptr := range pointers {
		data, ok := contents[ptr.OID]
		if !ok {
			return fmt.Errorf("lfs object %s missing from batch response", ptr.OID)
		}
		if err := os.WriteFile(pointerPaths[i], data, 0o644); err != nil {
			return fmt.Errorf("write lfs object %s: %w", ptr.OID, err)
		}
	}
	return nil
}

type fileWork struct {
	relPath string
	absPath string
}

// chunkTree walks sourceDir, hashes and chunks every regular file, and
// records a staged LayerChange per path. The walker and the
// hash/chunk/record stage run concurrently, connected by a channel.
func (w *Worker) chunkTree(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, sourceDir string) error {
	work := make(chan fileWork)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		return filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(sourceDir, p)
			if err != nil {
				return err
			}
			select {
			case work <- fileWork{relPath: filepath.ToSlash(rel), absPath: p}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	g.Go(func() error {
		return w.recordChanges(gctx, project, layerSet, layerID, work)
	})

	return g.Wait()
}

// recordChanges consumes fileWork, hashes+chunks each file into the
// blob store, and flushes batched LayerChange rows whenever the pool
// reaches 128 entries or the flush timer fires.
func (w *Worker) recordChanges(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, work <-chan fileWork) error {
	pool := make([]metadata.LayerChange, 0, layerChangeBatch)
	lastFlush := time.Now()

	flush := func() error {
		if len(pool) == 0 {
			return nil
		}
		batch := make([]metadata.LayerChange, len(pool))
		copy(batch, pool)
		pool = pool[:0]
		lastFlush = time.Now()
		return w.Repo.CreateLayerChanges(ctx, batch)
	}

	for {
		select {
		case item, ok := <-work:
			if !ok {
				return flush()
			}
			changes, err := w.recordOneFile(ctx, project, layerSet, layerID, item)
			if err != nil {
				return err
			}
			pool = append(pool, changes...)
			if len(pool) >= layerChangeBatch || time.Since(lastFlush) >= flushInterval {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-time.After(flushInterval):
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) recordOneFile(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, item fileWork) ([]metadata.LayerChange, error) {
	hasher, err := ids.NewHasher(project)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(item.absPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", item.absPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", item.absPath, err)
	}
	checksum := hasher.Sum()

	if _, err := w.Chunks.GetFile(ctx, project, checksum); err != nil {
		if err := w.writeChunks(ctx, project, checksum, item.absPath); err != nil {
			return nil, err
		}
	}

	servedPath := "/" + strings.TrimPrefix(item.relPath, "/")
	headers := []metadata.Header{}
	if ct := contentTypeFor(item.relPath); ct != "" {
		headers = append(headers, metadata.Header{Name: "Content-Type", Value: ct})
	}

	change := metadata.LayerChange{
		Project:      project,
		LayerSet:     layerSet,
		LayerID:      layerID,
		WorkerID:     w.ID,
		Path:         servedPath,
		Checksum:     checksum,
		EncodingHint: ids.DefaultEncodingHint,
		Headers:      headers,
	}

	changes := []metadata.LayerChange{change}
	if strings.HasSuffix(servedPath, "/index.html") || strings.HasSuffix(servedPath, "/index.htm") {
		dir := path.Dir(servedPath)
		dirChange := change
		if dir == "/" {
			dirChange.Path = "/"
		} else {
			dirChange.Path = dir + "/"
		}
		changes = append(changes, dirChange)
	}
	return changes, nil
}

func (w *Worker) writeChunks(ctx context.Context, project ids.ID, checksum ids.Checksum, absPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", absPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", absPath, err)
	}
	total := uint64(info.Size())

	buf := make([]byte, chunkBlockSize)
	var offset uint64
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			if err := w.Chunks.CreateChunk(ctx, project, checksum, &total, offset, bytes.Clone(buf[:n])); err != nil {
				return fmt.Errorf("create chunk at %d: %w", offset, err)
			}
			offset += uint64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", absPath, readErr)
		}
	}

	return w.Chunks.FinishFile(ctx, project, checksum, total)
}
