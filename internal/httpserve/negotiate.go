package httpserve

import (
	"net/http"
	"strings"

	"forge.static-hosting.dev/platform/internal/ids"
)

// parseAcceptEncoding turns an Accept-Encoding header into the
// accepted-set Preferred expects. Quality values and wildcards are not
// modeled; any listed token (other than explicitly "q=0"-qualified
// ones) counts as accepted, which is enough for the brotli/zstd/gzip
// variants this server actually stores.
func parseAcceptEncoding(header string) map[ids.Encoding]bool {
	accepted := map[ids.Encoding]bool{}
	if header == "" {
		return accepted
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token := part
		if i := strings.Index(part, ";"); i >= 0 {
			token = strings.TrimSpace(part[:i])
			if strings.Contains(part[i:], "q=0") {
				continue
			}
		}
		switch strings.ToLower(token) {
		case "br":
			accepted[ids.EncodingBrotli] = true
		case "zstd":
			accepted[ids.EncodingZstd] = true
		case "gzip":
			accepted[ids.EncodingGzip] = true
		case "identity":
			accepted[ids.EncodingIdentity] = true
		}
	}
	return accepted
}

func contentEncodingHeader(enc ids.Encoding) string {
	switch enc {
	case ids.EncodingBrotli:
		return "br"
	case ids.EncodingZstd:
		return "zstd"
	case ids.EncodingGzip:
		return "gzip"
	default:
		return ""
	}
}

// negotiate picks the content-encoding variant to serve for a request,
// preferring the highest non-zero preference in brotli > zstd > gzip >
// identity order among what the client accepts. It returns the
// checksum swapped onto the chosen encoding's tag and, when non-empty,
// the Content-Encoding header value to set.
func negotiate(hint ids.EncodingHint, base ids.Checksum, r *http.Request) (ids.Checksum, string) {
	accepted := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	enc, ok := hint.Preferred(accepted)
	if !ok {
		enc = ids.EncodingIdentity
	}
	return base.WithEncoding(enc), contentEncodingHeader(enc)
}
