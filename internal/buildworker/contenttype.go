package buildworker

import "strings"

// contentTypeByExtension is the initial table of extended
// with the entries an actual static host needs day one.
var contentTypeByExtension = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/stylesheet",
	"js":   "text/javascript",
	"mjs":  "text/javascript",
	"json": "application/json",
	"svg":  "image/svg+xml",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"woff2": "font/woff2",
	"woff": "font/woff",
	"txt":  "text/plain",
	"xml":  "application/xml",
	"wasm": "application/wasm",
	"pdf":  "application/pdf",
}

// contentTypeFor returns the Content-Type header value for relPath's
// extension, or "" if the extension is unknown.
func contentTypeFor(relPath string) string {
	ext := relPath
	if i := strings.LastIndexByte(relPath, '.'); i >= 0 {
		ext = relPath[i+1:]
	} else {
		return ""
	}
	return contentTypeByExtension[strings.ToLower(ext)]
}
