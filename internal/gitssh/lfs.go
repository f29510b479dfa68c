package gitssh

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

// lfsPointerPrefix is the first line of every Git-LFS pointer file.
const lfsPointerPrefix = "version https://git-lfs.github.com/spec/v1"

// maxLFSPointerSize bounds how much of a blob is read while checking
// whether it's an LFS pointer, (pointers are always tiny;
// anything larger is real content, not a pointer that merely starts
// with the right bytes).
const maxLFSPointerSize = 1024

// LFSPointer is a parsed Git-LFS pointer file.
type LFSPointer struct {
	OID  string // "sha256:<64 hex chars>"
	Size int64
}

// ParseLFSPointer returns the parsed pointer if data looks like a
// Git-LFS pointer file, or ok=false if it's ordinary blob content.
func ParseLFSPointer(data []byte) (ptr LFSPointer, ok bool) {
	if len(data) >= maxLFSPointerSize || !bytes.HasPrefix(data, []byte(lfsPointerPrefix)) {
		return LFSPointer{}, false
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "oid sha256:"):
			ptr.OID = strings.TrimPrefix(line, "oid ")
		case strings.HasPrefix(line, "size "):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "size "), 10, 64)
			if err != nil {
				return LFSPointer{}, false
			}
			ptr.Size = n
		}
	}
	if ptr.OID == "" || ptr.Size == 0 {
		return LFSPointer{}, false
	}
	return ptr, true
}

// TracksLFS reports whether a .gitattributes file (its raw bytes, as
// materialized at the working tree root) marks path as LFS-tracked via
// a "filter=lfs" attribute.
func TracksLFS(gitattributes []byte, relPath string) bool {
	scanner := bufio.NewScanner(bytes.NewReader(gitattributes))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		pattern := fields[0]
		hasFilter := false
		for _, attr := range fields[1:] {
			if attr == "filter=lfs" {
				hasFilter = true
			}
		}
		if !hasFilter {
			continue
		}
		if matched, _ := filepath.Match(pattern, filepath.Base(relPath)); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
	}
	return false
}

// lfsAuthResponse is git-lfs-authenticate's JSON reply: an href and
// optional headers to use for the batch API request.
type lfsAuthResponse struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header"`
	ExpiresIn int               `json:"expires_in"`
}

// Authenticate runs "git-lfs-authenticate <path> download" over the
// same SSH transport used for the pack fetch, returning the batch API
// endpoint and headers to authenticate against it.
func Authenticate(ctx context.Context, remote Remote) (href string, headers map[string]string, err error) {
	sess, err := openExec(ctx, remote, lfsAuthenticateCommand(remote.Path))
	if err != nil {
		return "", nil, err
	}
	defer sess.Close()

	raw, err := io.ReadAll(sess.stdout)
	if err != nil {
		return "", nil, fmt.Errorf("gitssh: read git-lfs-authenticate output: %w", err)
	}

	var resp lfsAuthResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", nil, fmt.Errorf("gitssh: parse git-lfs-authenticate JSON: %w", err)
	}
	if resp.Href == "" {
		return "", nil, fmt.Errorf("gitssh: git-lfs-authenticate returned no href")
	}
	if resp.Header == nil {
		resp.Header = map[string]string{}
	}
	return strings.TrimSuffix(resp.Href, "/"), resp.Header, nil
}

type lfsBatchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchRequest struct {
	Operation string           `json:"operation"`
	Transfers []string         `json:"transfers"`
	Objects   []lfsBatchObject `json:"objects"`
}

type lfsBatchActionLink struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchObjectResponse struct {
	OID     string `json:"oid"`
	Size    int64  `json:"size"`
	Actions struct {
		Download *lfsBatchActionLink `json:"download"`
	} `json:"actions"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type lfsBatchResponse struct {
	Objects []lfsBatchObjectResponse `json:"objects"`
}

// BatchDownload calls the LFS batch API for the given pointers and
// downloads each one's content, verifying its SHA-256 against the
// pointer's claimed OID before returning it.
func BatchDownload(ctx context.Context, client *http.Client, href string, authHeaders map[string]string, pointers []LFSPointer) (map[string][]byte, error) {
	reqBody := lfsBatchRequest{Operation: "download", Transfers: []string{"basic"}}
	for _, p := range pointers {
		reqBody.Objects = append(reqBody.Objects, lfsBatchObject{OID: strings.TrimPrefix(p.OID, "sha256:"), Size: p.Size})
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("gitssh: encode lfs batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, href+"/objects/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gitssh: build lfs batch request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.git-lfs+json")
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	for k, v := range authHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitssh: lfs batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gitssh: lfs batch request returned status %d", resp.StatusCode)
	}

	var batch lfsBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("gitssh: decode lfs batch response: %w", err)
	}

	out := make(map[string][]byte, len(batch.Objects))
	for _, obj := range batch.Objects {
		if obj.Error != nil {
			return nil, fmt.Errorf("gitssh: lfs batch error for %s: %s (code %d)", obj.OID, obj.Error.Message, obj.Error.Code)
		}
		if obj.Actions.Download == nil {
			return nil, fmt.Errorf("gitssh: lfs batch response for %s has no download action", obj.OID)
		}

		data, err := downloadOne(ctx, client, obj.Actions.Download)
		if err != nil {
			return nil, fmt.Errorf("gitssh: download lfs object %s: %w", obj.OID, err)
		}

		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != obj.OID {
			return nil, fmt.Errorf("gitssh: lfs object %s failed checksum verification", obj.OID)
		}

		out["sha256:"+obj.OID] = data
	}
	return out, nil
}

func downloadOne(ctx context.Context, client *http.Client, link *lfsBatchActionLink) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.Href, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range link.Header {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
