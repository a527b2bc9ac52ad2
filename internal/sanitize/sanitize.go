// Package sanitize implements the path, name, and URL validation that
// guards every entry point into the installation pipeline against traversal
// and SSRF.
package sanitize

import (
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kether/mapd/internal/core"
)

const maxNameLength = 255
const maxURLLength = 2048

// Name lowercases the input, strips everything outside [a-z0-9 _-], collapses
// whitespace to underscores, and rejects names that are empty, too long, or
// start with '.' or '-' after normalization.
func Name(raw string) (string, error) {
	lowered := strings.ToLower(raw)

	var b strings.Builder
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == ' ' {
			b.WriteRune(r)
		}
	}

	normalized := strings.Join(strings.Fields(b.String()), "_")

	if normalized == "" {
		return "", core.New(core.KindInvalidInput, "name is empty after sanitization")
	}
	if len(normalized) > maxNameLength {
		return "", core.New(core.KindInvalidInput, "name exceeds 255 characters")
	}
	if strings.HasPrefix(normalized, ".") || strings.HasPrefix(normalized, "-") {
		return "", core.New(core.KindInvalidInput, "name cannot start with '.' or '-'")
	}
	return normalized, nil
}

// Filename keeps only the final path component of raw and strips everything
// outside [A-Za-z0-9 _.-]. It never fails; an all-unsafe input yields "".
func Filename(raw string) string {
	base := filepath.Base(raw)
	if base == "." || base == string(filepath.Separator) {
		base = raw
	}

	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// PathWithinBase validates that base.Join(candidate) stays under base. It
// works in two modes because write-side validation must succeed before the
// file exists: it always rejects a ".." component in the joined path, and
// additionally canonicalizes-and-compares when the resolved path already
// exists on disk.
func PathWithinBase(base, candidate string) (string, error) {
	joined := filepath.Join(base, candidate)
	cleanBase := filepath.Clean(base)

	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(candidate)), "/") {
		if part == ".." {
			return "", core.New(core.KindContainmentViolation, "path contains a parent directory reference")
		}
	}

	if !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) && joined != cleanBase {
		return "", core.New(core.KindContainmentViolation, "path escapes base directory")
	}

	if info, err := os.Lstat(joined); err == nil && info != nil {
		realBase, err := filepath.EvalSymlinks(cleanBase)
		if err != nil {
			return "", core.Wrap(core.KindContainmentViolation, "failed to resolve base directory", err)
		}
		realPath, err := filepath.EvalSymlinks(joined)
		if err != nil {
			return "", core.Wrap(core.KindContainmentViolation, "failed to resolve candidate path", err)
		}
		if !strings.HasPrefix(realPath, realBase+string(filepath.Separator)) && realPath != realBase {
			return "", core.New(core.KindContainmentViolation, "resolved path escapes base directory")
		}
	}

	return joined, nil
}

// NormalizePath removes "." components and pops the preceding component on
// "..", purely lexically (no filesystem access), and returns the result with
// forward slashes. It is path.Clean over the slash form of p, so a trailing
// separator is removed as well.
func NormalizePath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

// URL rejects anything but http/https, oversized URLs, and any host that
// resolves (literally, not via DNS) to a loopback, private, or link-local
// address: the SSRF defense required before the fetcher is ever invoked.
func URL(raw string) error {
	if len(raw) > maxURLLength {
		return core.New(core.KindInvalidInput, "url exceeds maximum length")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return core.Wrap(core.KindInvalidInput, "invalid url", err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return core.New(core.KindInvalidInput, "url scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return core.New(core.KindInvalidInput, "url must have a host")
	}

	if isLocalhostName(host) {
		return core.New(core.KindInvalidInput, "url host is localhost")
	}

	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return core.New(core.KindInvalidInput, "url host is a private or internal address")
	}

	return nil
}

func isLocalhostName(host string) bool {
	h := strings.ToLower(host)
	switch h {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0", "[::1]", "[::]":
		return true
	}
	return strings.HasPrefix(h, "127.")
}

func isPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		return isPrivateIPv4(v4)
	}
	return isPrivateIPv6(ip)
}

func isPrivateIPv4(ip net.IP) bool {
	return ip[0] == 10 ||
		(ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31) ||
		(ip[0] == 192 && ip[1] == 168) ||
		(ip[0] == 169 && ip[1] == 254) ||
		ip[0] == 127
}

func isPrivateIPv6(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip[0]&0xfe == 0xfc {
		return true // fc00::/7 unique local
	}
	if ip[0] == 0xfe && ip[1]&0xc0 == 0x80 {
		return true // fe80::/10 link-local
	}
	if v4 := ip.To4(); v4 != nil {
		return isPrivateIPv4(v4)
	}
	return false
}
