// Package objectstore persists uploaded images and fetches image bytes back
// for URIs the model cannot read on its own.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Uploader persists image bytes and returns a stable URI for them.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, filename string) (string, error)
}

// Fetcher downloads the bytes behind a URI.
type Fetcher interface {
	// Handles reports whether Fetch understands the URI's scheme.
	Handles(uri string) bool
	// Fetch returns the object's bytes and content type.
	Fetch(ctx context.Context, uri string) ([]byte, string, error)
}

// ErrURINotAllowed is returned for image URIs outside the configured storage
// or pointing at non-public hosts.
var ErrURINotAllowed = errors.New("image uri not allowed")

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey builds a collision-resistant key of the form
// <prefix><UTC timestamp>-<uuid>-<sanitized file name>.
func ObjectKey(prefix string, now time.Time, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	name = strings.Trim(unsafeKeyChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "image"
	}
	return fmt.Sprintf("%s%s-%s-%s", prefix, now.UTC().Format("20060102T150405Z"), uuid.NewString(), name)
}

// ParseURI splits scheme://bucket/key.
func ParseURI(uri string) (scheme, bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid object uri %q: %w", uri, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme == "" || u.Host == "" || key == "" {
		return "", "", "", fmt.Errorf("invalid object uri %q: expected scheme://bucket/key", uri)
	}
	return strings.ToLower(u.Scheme), u.Host, key, nil
}

func schemeOf(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}

// withinRoot reports whether bucket/key lies under rootBucket/prefix.
func withinRoot(rootBucket, prefix, bucket, key string) bool {
	return rootBucket != "" && bucket == rootBucket && strings.HasPrefix(key, prefix)
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// publicAddr reports whether ip is a routable internet address.
func publicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsValid() && ip.IsGlobalUnicast() && !ip.IsPrivate() && !sharedAddressSpace.Contains(ip)
}

// checkHost rejects localhost names and literal non-public addresses.
func checkHost(host string) error {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "" {
		return fmt.Errorf("%w: missing host", ErrURINotAllowed)
	}
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return fmt.Errorf("%w: %s is a local host", ErrURINotAllowed, host)
	}
	if ip, err := netip.ParseAddr(h); err == nil && !publicAddr(ip) {
		return fmt.Errorf("%w: %s is not a public address", ErrURINotAllowed, host)
	}
	return nil
}

type root struct {
	scheme string
	bucket string
	prefix string
}

// Router dispatches fetches to the fetcher registered for the URI scheme and
// decides which image URIs may reach the model at all.
type Router struct {
	fetchers map[string]Fetcher
	roots    []root
}

// NewRouter creates an empty router. It accepts no object URIs until a root
// is allowed.
func NewRouter() *Router {
	return &Router{fetchers: make(map[string]Fetcher)}
}

// Register routes the given schemes to f.
func (r *Router) Register(f Fetcher, schemes ...string) *Router {
	for _, s := range schemes {
		r.fetchers[strings.ToLower(s)] = f
	}
	return r
}

// Allow accepts scheme://bucket/<prefix>... object URIs.
func (r *Router) Allow(scheme, bucket, prefix string) *Router {
	if bucket != "" {
		r.roots = append(r.roots, root{scheme: strings.ToLower(scheme), bucket: bucket, prefix: prefix})
	}
	return r
}

// CheckURI returns an error wrapping ErrURINotAllowed unless uri is an object
// under an allowed root or an http(s) URL on a public host. When an http(s)
// fetcher with its own policy is registered, that policy decides.
func (r *Router) CheckURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURINotAllowed, err)
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "http", "https":
		if p, ok := r.fetchers[scheme].(interface{ CheckURI(string) error }); ok {
			return p.CheckURI(uri)
		}
		return checkHost(u.Hostname())
	case "":
		return fmt.Errorf("%w: %q has no scheme", ErrURINotAllowed, uri)
	default:
		_, bucket, key, err := ParseURI(uri)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrURINotAllowed, err)
		}
		for _, rt := range r.roots {
			if rt.scheme == scheme && withinRoot(rt.bucket, rt.prefix, bucket, key) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s is outside the configured storage", ErrURINotAllowed, uri)
	}
}

// Handles implements Fetcher.
func (r *Router) Handles(uri string) bool {
	_, ok := r.fetchers[schemeOf(uri)]
	return ok
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	if err := r.CheckURI(uri); err != nil {
		return nil, "", err
	}
	f, ok := r.fetchers[schemeOf(uri)]
	if !ok {
		return nil, "", fmt.Errorf("no fetcher for uri %q", uri)
	}
	return f.Fetch(ctx, uri)
}
