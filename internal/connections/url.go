package connections

import (
	"fmt"
	"strings"
)

// NormalizeURL trims whitespace, lowercases the scheme and host, strips
// a single trailing slash, and rejects anything that isn't ws:// or
// wss://.
func NormalizeURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", fmt.Errorf("connections: empty relay url")
	}

	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "", fmt.Errorf("connections: relay url %q has no scheme", raw)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("connections: relay url %q must be ws:// or wss://", raw)
	}

	hostAndPath := rest
	slash := strings.IndexByte(hostAndPath, '/')
	host := hostAndPath
	path := ""
	if slash >= 0 {
		host = hostAndPath[:slash]
		path = hostAndPath[slash:]
	}
	host = strings.ToLower(host)
	path = strings.TrimSuffix(path, "/")

	return scheme + "://" + host + path, nil
}
