// Package httpserve is the HTTP serve path: host lookup, layer
// member lookup, and streamed chunk assembly from the blob store.
package httpserve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/crypto/blake2b"

	"forge.static-hosting.dev/platform/internal/blobstore"
	"forge.static-hosting.dev/platform/internal/errs"
	"forge.static-hosting.dev/platform/internal/ids"
	"forge.static-hosting.dev/platform/internal/metadata"
)

// chunkWindow is the pull size for the body's streaming windows.
const chunkWindow = 4 * 1024 * 1024

// Server is the host-routed content server: it resolves Host/SNI to a
// project and layer, looks up the requested path, and streams the
// matching file from the blob store.
type Server struct {
	Repo   metadata.Repository
	Chunks *blobstore.ChunkStore
}

// Handler wraps the content route with otelhttp.NewHandler so request
// spans are exported the same way every other handler in this module
// exports them.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /", otelhttp.NewHandler(http.HandlerFunc(s.serve), "serve"))
	return mux
}

// sniHash128 returns the Blake2b-128 digest of the lowercased hostname.
func sniHash128(host string) [16]byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only errors on an invalid key length; nil key is
		// always valid.
		panic(err)
	}
	_, _ = h.Write([]byte(strings.ToLower(host)))
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'self'")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "SAMEORIGIN")

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		http.Error(w, "400 Bad request", http.StatusBadRequest)
		return
	}

	if cs := r.TLS; cs != nil && cs.ServerName != "" {
		if sniHash128(host) != sniHash128(cs.ServerName) {
			http.Error(w, "400 Bad request", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	domain, err := s.Repo.GetValidatedDomain(ctx, ids.FQDN(strings.ToLower(host)))
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Printf("httpserve: get validated domain %s: %v", host, err)
		http.Error(w, "500 Internal error", http.StatusInternalServerError)
		return
	}

	ls, err := s.Repo.GetLayerSet(ctx, domain.Project, domain.LayerSet)
	if err != nil {
		log.Printf("httpserve: get layer set %s/%s: %v", domain.Project, domain.LayerSet, err)
		http.Error(w, "500 Internal error", http.StatusInternalServerError)
		return
	}
	if ls.BuildStatus.LastLayerID == ids.Nil {
		http.NotFound(w, r)
		return
	}

	members, err := s.Repo.GetLayerMemberSummary(ctx, domain.Project, domain.LayerSet, ls.BuildStatus.LastLayerID, []string{r.URL.Path})
	if err != nil {
		log.Printf("httpserve: get layer member summary: %v", err)
		http.Error(w, "500 Internal error", http.StatusInternalServerError)
		return
	}
	if len(members) == 0 {
		http.NotFound(w, r)
		return
	}
	member := members[0]
	if member.Checksum.Deleted {
		http.NotFound(w, r)
		return
	}

	checksum, encodingHeader := negotiate(member.EncodingHint, member.Checksum, r)

	file, err := s.Chunks.GetFile(ctx, domain.Project, checksum)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Printf("httpserve: get file: %v", err)
		http.Error(w, "500 Internal error", http.StatusInternalServerError)
		return
	}

	for _, h := range member.Headers {
		w.Header().Set(h.Name, h.Value)
	}
	if encodingHeader != "" {
		w.Header().Set("Content-Encoding", encodingHeader)
	}
	w.Header().Set("Content-Length", strconv.FormatUint(file.Length, 10))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	s.streamChunks(ctx, w, domain.Project, checksum, file.Length)
}

// streamChunks pulls file bytes in chunkWindow-sized windows: the
// first window learns total_length, then [sent, sent+4MiB) repeats
// until sent == total_length. total_length is already known here
// (from GetFile), so the probe read is skipped and windows start at 0.
func (s *Server) streamChunks(ctx context.Context, w http.ResponseWriter, project ids.ID, checksum ids.Checksum, total uint64) {
	var sent uint64
	for sent < total {
		end := sent + chunkWindow
		if end > total {
			end = total
		}
		chunks, err := s.Chunks.GetFileChunks(ctx, project, checksum, sent, end)
		if err != nil {
			// Headers are already sent; the contract is that the
			// body simply ends abruptly on a chunk-fetch error, with no
			// retry, since chunk pagination state must stay monotone.
			log.Printf("httpserve: get file chunks [%d,%d): %v", sent, end, err)
			return
		}
		for _, c := range chunks {
			if _, err := w.Write(c.Data); err != nil {
				return
			}
		}
		sent = end
	}
}

// ListenAndServeTLS is a thin convenience wrapper around a plain
// net.Listen + http.Serve pair.
func ListenAndServeTLS(ctx context.Context, addr string, tlsConfig *tls.Config, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpserve: listen: %w", err)
	}
	tln := tls.NewListener(ln, tlsConfig)
	srv := &http.Server{Handler: handler, BaseContext: func(net.Listener) context.Context { return ctx }}
	err = srv.Serve(tln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
