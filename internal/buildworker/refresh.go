package buildworker

import (
	"context"
	"fmt"
	"strings"

	"forge.static-hosting.dev/platform/internal/gitssh"
	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

// RefreshSource implements the "refresh source" control-plane
// operation of end-to-end scenario 4: compare a layer set's
// bound Git ref against the remote's current HEAD for that branch,
// and if it has moved, enqueue a new Building layer for it. The
// trigger (webhook, poll timer) is out of scope; this is
// the mechanics the trigger calls into.
func RefreshSource(ctx context.Context, repo metadata.Repository, project ids.ID, layerSetName string) (ids.ID, bool, error) {
	ls, err := repo.GetLayerSet(ctx, project, layerSetName)
	if err != nil {
		return ids.Nil, false, fmt.Errorf("buildworker: load layer set: %w", err)
	}
	if ls.SourceName == "" {
		return ids.Nil, false, fmt.Errorf("buildworker: layer set %s/%s has no bound source", project, layerSetName)
	}

	source, err := repo.GetSource(ctx, project, ls.SourceName)
	if err != nil {
		return ids.Nil, false, fmt.Errorf("buildworker: load source: %w", err)
	}
	remote, err := remoteFromSource(source)
	if err != nil {
		return ids.Nil, false, err
	}

	headCommit, refs, _, err := gitssh.ListHeadBranches(ctx, remote)
	if err != nil {
		return ids.Nil, false, fmt.Errorf("buildworker: list head branches: %w", err)
	}

	branch := strings.TrimPrefix(ls.SourceRef, "refs/heads/")
	var commit string
	for _, r := range refs {
		if r.Ref == "refs/heads/"+branch {
			commit = r.Commit
			break
		}
	}
	if commit == "" && ls.SourceRef == "HEAD" {
		commit = headCommit
	}
	if commit == "" {
		return ids.Nil, false, fmt.Errorf("buildworker: ref %q not advertised by remote", ls.SourceRef)
	}
	if !ls.BuildStatus.LastLayerID.IsNil() {
		last, err := repo.GetLayer(ctx, project, layerSetName, ls.BuildStatus.LastLayerID)
		if err != nil {
			return ids.Nil, false, fmt.Errorf("buildworker: load last layer: %w", err)
		}
		if last.SourceCommit == commit {
			return ids.Nil, false, nil
		}
	}

	layerID, err := ids.NewV7()
	if err != nil {
		return ids.Nil, false, fmt.Errorf("buildworker: mint layer id: %w", err)
	}

	if err := repo.CreateLayer(ctx, metadata.Layer{
		Project:      project,
		LayerSet:     layerSetName,
		ID:           layerID,
		Status:       metadata.LayerBuilding,
		SourceCommit: commit,
	}); err != nil {
		return ids.Nil, false, fmt.Errorf("buildworker: create layer: %w", err)
	}

	msgID, err := ids.NewV7()
	if err != nil {
		return ids.Nil, false, fmt.Errorf("buildworker: mint queue message id: %w", err)
	}
	if err := repo.EnqueueBuild(ctx, metadata.BuildQueueMessage{
		ID:       msgID,
		Project:  project,
		LayerSet: layerSetName,
		LayerID:  layerID,
	}); err != nil {
		return ids.Nil, false, fmt.Errorf("buildworker: enqueue build: %w", err)
	}

	return layerID, true, nil
}
