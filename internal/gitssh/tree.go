package gitssh

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"forge.static-hosting.dev/platform/internal/gitpack"
)

// Git tree entry modes this client understands; anything else is
// rejected rather than silently coerced to a regular file.
const (
	modeTree       = "40000"
	modeBlob       = "100644"
	modeBlobExec   = "100755"
	modeSymlink    = "120000"
	modeGitlink    = "160000" // submodule; skipped, not materialized
)

// CommitTreeSHA parses a commit object's body far enough to find the
// tree it points at (the first line, "tree <40-hex>").
func CommitTreeSHA(commitBody []byte) ([20]byte, error) {
	nl := bytes.IndexByte(commitBody, '\n')
	if nl < 0 {
		return [20]byte{}, fmt.Errorf("gitssh: commit object has no header lines")
	}
	line := string(commitBody[:nl])
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 || fields[0] != "tree" {
		return [20]byte{}, fmt.Errorf("gitssh: commit object's first line is not a tree reference: %q", line)
	}
	return parseHexSHA(strings.TrimSpace(fields[1]))
}

func parseHexSHA(s string) ([20]byte, error) {
	var sha [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 20 {
		return sha, fmt.Errorf("gitssh: invalid object id %q", s)
	}
	copy(sha[:], raw)
	return sha, nil
}

// TreeEntry is one parsed entry of a tree object.
type TreeEntry struct {
	Mode string
	Name string
	SHA  [20]byte
}

// ParseTree decodes a tree object's body into its entries. Format:
// repeated "<mode ascii> SP <name> NUL <20-byte sha>" with no
// separators between entries.
func ParseTree(body []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(body) > 0 {
		sp := bytes.IndexByte(body, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("gitssh: malformed tree entry: missing mode separator")
		}
		mode := string(body[:sp])
		body = body[sp+1:]

		nul := bytes.IndexByte(body, 0)
		if nul < 0 {
			return nil, fmt.Errorf("gitssh: malformed tree entry: missing name terminator")
		}
		name := string(body[:nul])
		body = body[nul+1:]

		if len(body) < 20 {
			return nil, fmt.Errorf("gitssh: malformed tree entry: truncated object id")
		}
		var sha [20]byte
		copy(sha[:], body[:20])
		body = body[20:]

		if name == "." || name == ".." || strings.ContainsAny(name, "/\\") || name == "" {
			return nil, fmt.Errorf("gitssh: rejecting tree entry with unsafe name %q", name)
		}

		entries = append(entries, TreeEntry{Mode: mode, Name: name, SHA: sha})
	}
	return entries, nil
}

// Materialize walks the tree rooted at treeSHA in store and writes its
// working-tree form under destDir, "working tree
// extraction with path-escape rejection". Every resolved path is
// required to remain lexically within destDir; any entry whose name
// would escape (via "..", an absolute path, or a symlink target parsed
// out of bounds) aborts the whole materialization rather than writing
// partial, possibly-malicious output.
func Materialize(store *PackStore, treeSHA [20]byte, destDir string) error {
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("gitssh: resolve destination dir: %w", err)
	}
	if err := os.MkdirAll(absDest, 0o755); err != nil {
		return fmt.Errorf("gitssh: create destination dir: %w", err)
	}
	return materializeTree(store, treeSHA, absDest, absDest)
}

func materializeTree(store *PackStore, treeSHA [20]byte, dir, root string) error {
	typ, body, err := store.Get(treeSHA)
	if err != nil {
		return fmt.Errorf("gitssh: load tree %s: %w", hex.EncodeToString(treeSHA[:]), err)
	}
	if typ != gitpack.ObjectTree {
		return fmt.Errorf("gitssh: object %s is not a tree (type %s)", hex.EncodeToString(treeSHA[:]), typ.Kind())
	}

	entries, err := ParseTree(body)
	if err != nil {
		return err
	}

	for _, e := range entries {
		target := filepath.Join(dir, e.Name)
		if !withinRoot(root, target) {
			return fmt.Errorf("gitssh: rejecting path escape for entry %q", e.Name)
		}

		switch e.Mode {
		case modeTree:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("gitssh: create directory %s: %w", target, err)
			}
			if err := materializeTree(store, e.SHA, target, root); err != nil {
				return err
			}
		case modeBlob, modeBlobExec:
			blobType, data, err := store.Get(e.SHA)
			if err != nil {
				return fmt.Errorf("gitssh: load blob %s (%s): %w", hex.EncodeToString(e.SHA[:]), e.Name, err)
			}
			if blobType != gitpack.ObjectBlob {
				return fmt.Errorf("gitssh: object %s is not a blob (type %s)", hex.EncodeToString(e.SHA[:]), blobType.Kind())
			}
			perm := os.FileMode(0o644)
			if e.Mode == modeBlobExec {
				perm = 0o755
			}
			if err := os.WriteFile(target, data, perm); err != nil {
				return fmt.Errorf("gitssh: write file %s: %w", target, err)
			}
		case modeSymlink:
			linkType, data, err := store.Get(e.SHA)
			if err != nil {
				return fmt.Errorf("gitssh: load symlink target %s (%s): %w", hex.EncodeToString(e.SHA[:]), e.Name, err)
			}
			if linkType != gitpack.ObjectBlob {
				return fmt.Errorf("gitssh: symlink object %s is not a blob", hex.EncodeToString(e.SHA[:]))
			}
			linkTarget := string(data)
			resolved := path.Clean(path.Join(path.Dir(target), linkTarget))
			if !withinRoot(root, resolved) {
				return fmt.Errorf("gitssh: rejecting symlink %q with out-of-tree target %q", e.Name, linkTarget)
			}
			if err := os.Symlink(linkTarget, target); err != nil {
				return fmt.Errorf("gitssh: create symlink %s: %w", target, err)
			}
		case modeGitlink:
			// Submodules are not fetched; the gitlink entry is skipped.
			continue
		default:
			return fmt.Errorf("gitssh: unsupported tree entry mode %q for %q", e.Mode, e.Name)
		}
	}

	return nil
}

// withinRoot reports whether target is root itself or lexically nested
// under it, after cleaning. This is a pure string check; it does not
// follow symlinks, which is why symlink targets are validated
// separately before the link is created.
func withinRoot(root, target string) bool {
	cleanRoot := filepath.Clean(root)
	cleanTarget := filepath.Clean(target)
	if cleanTarget == cleanRoot {
		return true
	}
	return strings.HasPrefix(cleanTarget, cleanRoot+string(filepath.Separator))
}
