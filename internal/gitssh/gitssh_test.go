package gitssh

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"forge.static-hosting.dev/platform/internal/gitpack"
)

func packObject(t *testing.T, objType gitpack.ObjectType, data []byte) []byte {
	t.Helper()
	size := uint64(len(data))
	first := byte(objType)<<4 | byte(size&0x0f)
	size >>= 4
	if size > 0 {
		first |= 0x80
	}
	out := []byte{first}
	for size > 0 {
		b := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return append(out, compressed.Bytes()...)
}

func buildPack(t *testing.T, objects [][2]interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("PACK")
	var rest [8]byte
	binary.BigEndian.PutUint32(rest[0:4], 2)
	binary.BigEndian.PutUint32(rest[4:8], uint32(len(objects)))
	buf.Write(rest[:])

	for _, o := range objects {
		objType := o[0].(gitpack.ObjectType)
		data := o[1].([]byte)
		buf.Write(packObject(t, objType, data))
	}
	return buf.Bytes()
}

func TestPackStoreIngestAndGet(t *testing.T) {
	dir := t.TempDir()

	blobData := []byte("hello world")
	blobSHA := gitpack.HashObject("blob", blobData)

	treeBody := bytes.Buffer{}
	treeBody.WriteString(modeBlob + " hello.txt\x00")
	treeBody.Write(blobSHA[:])
	treeSHA := gitpack.HashObject("tree", treeBody.Bytes())

	pack := buildPack(t, [][2]interface{}{
		{gitpack.ObjectBlob, blobData},
		{gitpack.ObjectTree, treeBody.Bytes()},
	})

	store, err := NewPackStore(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ingest(bytes.NewReader(pack)))

	typ, data, err := store.Get(blobSHA)
	require.NoError(t, err)
	require.Equal(t, gitpack.ObjectBlob, typ)
	require.Equal(t, blobData, data)

	typ, data, err = store.Get(treeSHA)
	require.NoError(t, err)
	require.Equal(t, gitpack.ObjectTree, typ)
	require.Equal(t, treeBody.Bytes(), data)
}

func TestMaterializeWritesWorkingTree(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPackStore(filepath.Join(dir, "store"))
	require.NoError(t, err)
	defer store.Close()

	fileData := []byte("index content")
	fileSHA := gitpack.HashObject("blob", fileData)
	require.NoError(t, store.put(fileSHA, gitpack.ObjectBlob, fileData))

	subFileData := []byte("nested content")
	subFileSHA := gitpack.HashObject("blob", subFileData)
	require.NoError(t, store.put(subFileSHA, gitpack.ObjectBlob, subFileData))

	var subTree bytes.Buffer
	subTree.WriteString(modeBlob + " nested.txt\x00")
	subTree.Write(subFileSHA[:])
	subTreeSHA := gitpack.HashObject("tree", subTree.Bytes())
	require.NoError(t, store.put(subTreeSHA, gitpack.ObjectTree, subTree.Bytes()))

	var rootTree bytes.Buffer
	rootTree.WriteString(modeBlob + " index.html\x00")
	rootTree.Write(fileSHA[:])
	rootTree.WriteString(modeTree + " sub\x00")
	rootTree.Write(subTreeSHA[:])
	rootTreeSHA := gitpack.HashObject("tree", rootTree.Bytes())
	require.NoError(t, store.put(rootTreeSHA, gitpack.ObjectTree, rootTree.Bytes()))

	dest := filepath.Join(dir, "checkout")
	require.NoError(t, Materialize(store, rootTreeSHA, dest))

	got, err := os.ReadFile(filepath.Join(dest, "index.html"))
	require.NoError(t, err)
	require.Equal(t, fileData, got)

	got, err = os.ReadFile(filepath.Join(dest, "sub", "nested.txt"))
	require.NoError(t, err)
	require.Equal(t, subFileData, got)
}

func TestMaterializeRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPackStore(filepath.Join(dir, "store"))
	require.NoError(t, err)
	defer store.Close()

	fileData := []byte("evil")
	fileSHA := gitpack.HashObject("blob", fileData)
	require.NoError(t, store.put(fileSHA, gitpack.ObjectBlob, fileData))

	var rootTree bytes.Buffer
	rootTree.WriteString(modeSymlink + " escape\x00")
	rootTree.Write(fileSHA[:])
	rootTreeSHA := gitpack.HashObject("tree", rootTree.Bytes())
	require.NoError(t, store.put(rootTreeSHA, gitpack.ObjectTree, rootTree.Bytes()))

	// The "symlink" target itself is the literal string "evil", which is
	// not a path-escape; rebuild one pointing outside the tree instead.
	escapeTarget := []byte("../../etc/passwd")
	escapeSHA := gitpack.HashObject("blob", escapeTarget)
	require.NoError(t, store.put(escapeSHA, gitpack.ObjectBlob, escapeTarget))

	var rootTree2 bytes.Buffer
	rootTree2.WriteString(modeSymlink + " escape\x00")
	rootTree2.Write(escapeSHA[:])
	rootTree2SHA := gitpack.HashObject("tree", rootTree2.Bytes())
	require.NoError(t, store.put(rootTree2SHA, gitpack.ObjectTree, rootTree2.Bytes()))

	dest := filepath.Join(dir, "checkout")
	err = Materialize(store, rootTree2SHA, dest)
	require.Error(t, err)
}

func TestParseTreeRejectsUnsafeNames(t *testing.T) {
	var sha [20]byte
	var body bytes.Buffer
	body.WriteString(modeBlob + " ..\x00")
	body.Write(sha[:])

	_, err := ParseTree(body.Bytes())
	require.Error(t, err)
}

func TestCommitTreeSHA(t *testing.T) {
	var treeSHA [20]byte
	for i := range treeSHA {
		treeSHA[i] = byte(i + 1)
	}
	body := []byte("tree " + hex.EncodeToString(treeSHA[:]) + "\nparent 0000000000000000000000000000000000000000\nauthor a <a@example.com> 0 +0000\n\nmessage\n")

	got, err := CommitTreeSHA(body)
	require.NoError(t, err)
	require.Equal(t, treeSHA, got)
}

func TestParseLFSPointer(t *testing.T) {
	pointer := []byte("version https://git-lfs.github.com/spec/v1\noid sha256:" +
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855\nsize 1234\n")

	ptr, ok := ParseLFSPointer(pointer)
	require.True(t, ok)
	require.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ptr.OID)
	require.Equal(t, int64(1234), ptr.Size)

	_, ok = ParseLFSPointer([]byte("not a pointer, just regular file content"))
	require.False(t, ok)
}

func TestTracksLFS(t *testing.T) {
	attrs := []byte("*.psd filter=lfs diff=lfs merge=lfs -text\nREADME.md text\n")
	require.True(t, TracksLFS(attrs, "design/background.psd"))
	require.False(t, TracksLFS(attrs, "README.md"))
}

func TestBatchDownloadVerifiesChecksum(t *testing.T) {
	content := []byte("lfs blob contents")
	sum := sha256.Sum256(content)
	sumHex := hex.EncodeToString(sum[:])

	objectServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer objectServer.Close()

	batchServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
		fmt.Fprintf(w, `{"objects":[{"oid":"%s","size":%d,"actions":{"download":{"href":"%s"}}}]}`,
			sumHex, len(content), objectServer.URL)
	}))
	defer batchServer.Close()

	results, err := BatchDownload(context.Background(), http.DefaultClient, batchServer.URL, nil, []LFSPointer{{OID: "sha256:" + sumHex, Size: int64(len(content))}})
	require.NoError(t, err)
	require.Equal(t, content, results["sha256:"+sumHex])
}
