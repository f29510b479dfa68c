package gitssh

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"forge.static-hosting.dev/platform/internal/gitpack"
)

// MaxRefs bounds ref advertisement parsing (leases): beyond
// this many refs, enumeration stops and returns the truncated prefix
// rather than continuing indefinitely against a hostile or huge
// remote.
const MaxRefs = 4096

// RefAdvertisement is one ref advertised by git-upload-pack, restricted
// to the branches this client cares about.
type RefAdvertisement struct {
	Ref    string
	Commit string
}

// readRefAdvertisement parses pkt-lines from r up to the first flush,
// extracting HEAD's commit and every refs/heads/* ref, truncating at
// MaxRefs. ListHeadBranches then keeps only the refs whose commit
// matches HEAD exactly.
//
// Advertisement line shape: "<40-hex sha> SP <ref-name>[NUL
// <capabilities>]"; the first line carries the capability list after a
// NUL byte, which is parsed off but otherwise unused.
func readRefAdvertisement(pr *pktLineReader) (headCommit string, refs []RefAdvertisement, truncated bool, err error) {
	first := true
	for {
		res, err := pr.Next()
		if err != nil {
			return "", nil, false, fmt.Errorf("gitssh: read ref advertisement: %w", err)
		}
		if res.Flush {
			return headCommit, refs, truncated, nil
		}

		line := res.Payload
		if first {
			first = false
			// The very first pkt-line sometimes carries a leading
			// service banner over smart-http transports; this client's
			// exec transport does not, so the line is parsed directly
			// as "<sha> <ref>\0<caps>".
			if nul := bytes.IndexByte(line, 0); nul >= 0 {
				line = line[:nul]
			}
		} else if nul := bytes.IndexByte(line, 0); nul >= 0 {
			line = line[:nul]
		}

		line = bytes.TrimRight(line, "\n")
		parts := strings.SplitN(string(line), " ", 2)
		if len(parts) != 2 {
			continue
		}
		sha, ref := parts[0], parts[1]

		if ref == "HEAD" {
			headCommit = sha
			continue
		}

		if len(refs) >= MaxRefs {
			truncated = true
			continue
		}

		if strings.HasPrefix(ref, "refs/heads/") {
			refs = append(refs, RefAdvertisement{Ref: ref, Commit: sha})
		}
	}
}

// ListHeadBranches connects to remote and returns every refs/heads/*
// branch whose commit equals HEAD's,. The session
// is closed (via a flush response) before returning.
func ListHeadBranches(ctx context.Context, remote Remote) (headCommit string, refs []RefAdvertisement, truncated bool, err error) {
	sess, err := openExec(ctx, remote, uploadPackCommand(remote.Path))
	if err != nil {
		return "", nil, false, err
	}
	defer sess.Close()

	pr := newPktLineReader(sess.stdout)
	headCommit, refs, truncated, err = readRefAdvertisement(pr)
	if err != nil {
		return "", nil, false, err
	}

	onlyHeadRefs := make([]RefAdvertisement, 0, len(refs))
	for _, r := range refs {
		if r.Commit == headCommit {
			onlyHeadRefs = append(onlyHeadRefs, r)
		}
	}

	if _, err := sess.stdin.Write(gitpack.FlushPkt); err != nil {
		return "", nil, false, fmt.Errorf("gitssh: send flush after ref listing: %w", err)
	}

	return headCommit, onlyHeadRefs, truncated, nil
}
