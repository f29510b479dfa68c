package buildworker

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"

	"forge.static-hosting.dev/platform/internal/gitssh"
	"forge.static-hosting.dev/platform/internal/metadata"
)

// remoteFromSource turns a stored Source into the gitssh.Remote its
// deploy key authenticates, accepting both the scp-like shorthand
// ("git@github.com:owner/repo.git") and an explicit "ssh://" URL, the
// two forms repository_url is documented to take in example
// values.
func remoteFromSource(s metadata.Source) (gitssh.Remote, error) {
	key := ed25519.NewKeyFromSeed(s.IDEd25519Seed[:])

	if strings.HasPrefix(s.RepositoryURL, "ssh://") {
		rest := strings.TrimPrefix(s.RepositoryURL, "ssh://")
		at := strings.IndexByte(rest, '@')
		user := "git"
		if at >= 0 {
			user = rest[:at]
			rest = rest[at+1:]
		}
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return gitssh.Remote{}, fmt.Errorf("buildworker: malformed ssh url %q", s.RepositoryURL)
		}
		hostport := rest[:slash]
		path := rest[slash:]
		host, port := hostport, gitssh.DefaultSSHPort
		if i := strings.IndexByte(hostport, ':'); i >= 0 {
			host = hostport[:i]
			p, err := strconv.Atoi(hostport[i+1:])
			if err != nil {
				return gitssh.Remote{}, fmt.Errorf("buildworker: malformed port in %q: %w", s.RepositoryURL, err)
			}
			port = p
		}
		return gitssh.Remote{Host: host, Port: port, Path: path, User: user, Key: key}, nil
	}

	at := strings.IndexByte(s.RepositoryURL, '@')
	colon := strings.IndexByte(s.RepositoryURL, ':')
	if at < 0 || colon < at {
		return gitssh.Remote{}, fmt.Errorf("buildworker: unrecognized repository url %q", s.RepositoryURL)
	}
	user := s.RepositoryURL[:at]
	host := s.RepositoryURL[at+1 : colon]
	path := s.RepositoryURL[colon+1:]
	return gitssh.Remote{Host: host, Port: gitssh.DefaultSSHPort, Path: path, User: user, Key: key}, nil
}
