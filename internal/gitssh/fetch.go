package gitssh

import (
	"context"
	"fmt"

	"forge.static-hosting.dev/platform/internal/gitpack"
)

// ErrRefGone is returned when the requested ref disappeared between
// advertisement and want; this is fatal for the fetch.
type ErrRefGone struct{ Ref string }

func (e *ErrRefGone) Error() string {
	return fmt.Sprintf("gitssh: ref %q is no longer advertised by the remote", e.Ref)
}

// FetchResult is what a shallow fetch resolves the requested ref to,
// plus the on-disk pack store holding its objects.
type FetchResult struct {
	Ref    string
	Commit string
	Store  *PackStore
}

// ShallowFetch performs the negotiation of "Shallow fetch":
// re-enumerate refs, find the one matching ref_, request either a
// deepen-1 shallow clone (if the remote's current commit for that ref
// still matches requestedCommit) or simply the closest commit otherwise,
// then streams the resulting pack file into a freshly created PackStore
// rooted at workDir.
func ShallowFetch(ctx context.Context, remote Remote, ref, requestedCommit, workDir string) (*FetchResult, error) {
	sess, err := openExec(ctx, remote, uploadPackCommand(remote.Path))
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	pr := newPktLineReader(sess.stdout)
	_, refs, _, err := readRefAdvertisement(pr)
	if err != nil {
		return nil, err
	}

	var found string
	for _, r := range refs {
		if r.Ref == ref {
			found = r.Commit
			break
		}
	}
	if found == "" {
		return nil, &ErrRefGone{Ref: ref}
	}

	var wantLine string
	if found == requestedCommit {
		wantLine = fmt.Sprintf("want %s deepen 1\n", found)
	} else {
		wantLine = fmt.Sprintf("want %s\n", found)
	}

	if _, err := sess.stdin.Write(gitpack.EncodePktLine([]byte(wantLine))); err != nil {
		return nil, fmt.Errorf("gitssh: send want line: %w", err)
	}
	if _, err := sess.stdin.Write(gitpack.FlushPkt); err != nil {
		return nil, fmt.Errorf("gitssh: send flush after want: %w", err)
	}
	if _, err := sess.stdin.Write(gitpack.EncodePktLine([]byte("done\n"))); err != nil {
		return nil, fmt.Errorf("gitssh: send done: %w", err)
	}

	// A well-behaved git-upload-pack replies to "done" with zero or
	// more NAK/ACK pkt-lines, then the raw (non-pkt-line-framed) pack
	// stream. Any such ack lines are pkt-line framed, so drain them
	// through the same reader before reading the pack; the first
	// bytes that fail to pkt-line-decode as expected are presumed to
	// be the start of "PACK".
	for {
		if _, err := pr.Next(); err != nil {
			break
		}
	}

	store, err := NewPackStore(workDir)
	if err != nil {
		return nil, err
	}

	packReader := newRawReaderWithPrefix(pr.Remainder(), sess.stdout)
	if err := store.Ingest(packReader); err != nil {
		store.Close()
		return nil, fmt.Errorf("gitssh: ingest pack stream: %w", err)
	}

	return &FetchResult{Ref: ref, Commit: found, Store: store}, nil
}
