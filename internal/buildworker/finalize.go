package buildworker

import (
	"context"
	"fmt"
	"os"

	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

const layerMemberBatch = 128

// finalizeSingle implements finalize_single: take the
// finalize lease, publish every staged LayerChange as a LayerMember,
// then flip the layer to Ready and advance the layer set's pointer.
func (w *Worker) finalizeSingle(ctx context.Context, ls metadata.LayerSet, l metadata.Layer) error {
	outcome, err := w.Repo.TrySetCurrentBuild(ctx, l.Project, l.LayerSet, l.ID)
	if err != nil {
		return fmt.Errorf("try set current build: %w", err)
	}
	if outcome == metadata.CASStale {
		return nil
	}

	outcome, err = w.Repo.FinalizeLayer(ctx, l.Project, l.LayerSet, l.ID, w.ID)
	if err != nil {
		return fmt.Errorf("finalize layer: %w", err)
	}
	if outcome != metadata.CASApplied {
		return nil
	}

	changes, err := w.Repo.ListLayerChanges(ctx, l.Project, l.LayerSet, l.ID, ids.Nil)
	if err != nil {
		return fmt.Errorf("list layer changes: %w", err)
	}

	pool := make([]metadata.LayerMember, 0, layerMemberBatch)
	flush := func() error {
		if len(pool) == 0 {
			return nil
		}
		batch := make([]metadata.LayerMember, len(pool))
		copy(batch, pool)
		pool = pool[:0]
		return w.Repo.CreateLayerMembers(ctx, batch)
	}

	for _, c := range changes {
		pool = append(pool, metadata.LayerMember{
			Project:      c.Project,
			LayerSet:     c.LayerSet,
			LayerID:      c.LayerID,
			Path:         c.Path,
			Checksum:     c.Checksum,
			EncodingHint: c.EncodingHint,
			Headers:      c.Headers,
		})
		if len(pool) >= layerMemberBatch {
			if err := flush(); err != nil {
				return fmt.Errorf("create layer members: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("create layer members: %w", err)
	}

	outcome, err = w.Repo.FinishFinalizing(ctx, l.Project, l.LayerSet, l.ID, w.ID)
	if err != nil {
		return fmt.Errorf("finish finalizing: %w", err)
	}
	if outcome != metadata.CASApplied {
		return fmt.Errorf("finish finalizing: lease lost")
	}

	// The build working directory is no longer needed once the layer is
	// durably published.
	if err := os.RemoveAll(w.buildDir(l.ID)); err != nil {
		return fmt.Errorf("remove build dir: %w", err)
	}
	return nil
}
