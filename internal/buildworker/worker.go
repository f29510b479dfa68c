// Package buildworker is the build worker: it claims pending
// layers, clones their bound Git source via internal/gitssh, walks the
// resulting tree, chunks every file into internal/blobstore, records
// the staged changes via internal/metadata, and finalizes them into
// the served layer.
package buildworker

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"forge.static-hosting.dev/platform/internal/blobstore"
	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

// Worker runs the two leasing sweeps on each tick. WorkerID
// identifies this process for the duration of its leases: a fresh
// random 128-bit ID is drawn once per worker process boot.
type Worker struct {
	Repo    metadata.Repository
	Chunks  *blobstore.ChunkStore
	WorkDir string
	ID      ids.ID
}

func New(repo metadata.Repository, chunks *blobstore.ChunkStore, workDir string) (*Worker, error) {
	id, err := ids.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("buildworker: mint worker id: %w", err)
	}
	return &Worker{Repo: repo, Chunks: chunks, WorkDir: workDir, ID: id}, nil
}

// Run drives Tick on the given cadence until ctx is cancelled,
// matching the outer "take lease, do one step, reschedule" loop shape
// the ACME renewal loop also follows.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				log.Printf("buildworker: tick: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs both leasing sweeps: Building layers first (which
// may themselves finish straight through to Finalizing), then any
// Finalizing layers left over from a crashed worker's lease.
func (w *Worker) Tick(ctx context.Context) error {
	building, err := w.Repo.GetPendingLayers(ctx, metadata.PendingBuilding)
	if err != nil {
		return fmt.Errorf("buildworker: list pending building layers: %w", err)
	}
	for _, l := range building {
		ls, err := w.Repo.GetLayerSet(ctx, l.Project, l.LayerSet)
		if err != nil {
			log.Printf("buildworker: load layer set for %s/%s: %v", l.Project, l.LayerSet, err)
			continue
		}

		switch {
		case !ls.BuildStatus.LastLayerID.IsNil() && !ls.BuildStatus.LastLayerID.Less(l.ID):
			if _, err := w.Repo.CancelLayer(ctx, l.Project, l.LayerSet, l.ID); err != nil {
				log.Printf("buildworker: cancel stale layer %s: %v", l.ID, err)
			}
		case !ls.BuildStatus.CurrentLayerID.IsNil() && ls.BuildStatus.CurrentLayerID != l.ID:
			// another layer is in flight for this set; skip for now.
		default:
			if err := w.buildSingle(ctx, ls, l); err != nil {
				log.Printf("buildworker: build %s/%s/%s: %v", l.Project, l.LayerSet, l.ID, err)
				continue
			}
			if err := w.finalizeSingle(ctx, ls, l); err != nil {
				log.Printf("buildworker: finalize %s/%s/%s: %v", l.Project, l.LayerSet, l.ID, err)
			}
		}
	}

	finalizing, err := w.Repo.GetPendingLayers(ctx, metadata.PendingFinalizing)
	if err != nil {
		return fmt.Errorf("buildworker: list pending finalizing layers: %w", err)
	}
	for _, l := range finalizing {
		ls, err := w.Repo.GetLayerSet(ctx, l.Project, l.LayerSet)
		if err != nil {
			log.Printf("buildworker: load layer set for %s/%s: %v", l.Project, l.LayerSet, err)
			continue
		}
		if err := w.finalizeSingle(ctx, ls, l); err != nil {
			log.Printf("buildworker: finalize %s/%s/%s: %v", l.Project, l.LayerSet, l.ID, err)
		}
	}

	return nil
}

func (w *Worker) buildDir(layerID ids.ID) string {
	return filepath.Join(w.WorkDir, "builds", layerID.String())
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("buildworker: create %s: %w", path, err)
	}
	return nil
}
