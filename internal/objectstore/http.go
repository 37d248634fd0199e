package objectstore

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultFetchTimeout is the default timeout for image downloads
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxImageSize is the default maximum image size (20MB)
	DefaultMaxImageSize = 20 * 1024 * 1024

	dialTimeout = 10 * time.Second
)

// HTTPFetcher downloads images from http(s) URLs on an allowlist of hosts.
// Redirects are not followed and connections to non-public addresses are
// refused after DNS resolution.
type HTTPFetcher struct {
	client  *resty.Client
	maxSize int64
	hosts   map[string]bool

	// allowPrivate skips the address checks. Only tests set it.
	allowPrivate bool
}

// NewHTTPFetcher creates a fetcher for the given hosts. With no hosts every
// URL is rejected.
func NewHTTPFetcher(hosts ...string) *HTTPFetcher {
	f := &HTTPFetcher{
		maxSize: DefaultMaxImageSize,
		hosts:   make(map[string]bool, len(hosts)),
	}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			f.hosts[h] = true
		}
	}

	dialer := &net.Dialer{Timeout: dialTimeout, Control: f.controlDial}
	f.client = resty.New().
		SetTimeout(DefaultFetchTimeout).
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetTransport(&http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: dialTimeout,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		})
	return f
}

// WithTimeout sets a custom timeout for downloads.
func (f *HTTPFetcher) WithTimeout(timeout time.Duration) *HTTPFetcher {
	f.client.SetTimeout(timeout)
	return f
}

// WithMaxSize sets a custom maximum file size.
func (f *HTTPFetcher) WithMaxSize(maxSize int64) *HTTPFetcher {
	f.maxSize = maxSize
	return f
}

// Handles implements Fetcher.
func (f *HTTPFetcher) Handles(uri string) bool {
	s := schemeOf(uri)
	return s == "http" || s == "https"
}

// CheckURI rejects URLs whose host is not allowlisted or is a literal
// non-public address.
func (f *HTTPFetcher) CheckURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURINotAllowed, err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrURINotAllowed, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if !f.hosts[host] {
		return fmt.Errorf("%w: host %q is not allowlisted", ErrURINotAllowed, host)
	}
	if f.allowPrivate {
		return nil
	}
	return checkHost(host)
}

// controlDial runs after DNS resolution, so names that resolve to internal
// addresses are refused as well.
func (f *HTTPFetcher) controlDial(network, address string, _ syscall.RawConn) error {
	if f.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURINotAllowed, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !publicAddr(ip) {
		return fmt.Errorf("%w: refusing to connect to %s", ErrURINotAllowed, host)
	}
	return nil
}

// Fetch downloads image data from a URL.
// It respects context cancellation and enforces size limits.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	if err := f.CheckURI(uri); err != nil {
		return nil, "", err
	}
	log.Debug().Str("url", uri).Msg("downloading image")

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(uri)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: status %d", resp.StatusCode())
	}

	// Validate Content-Type is an image
	contentType := strings.TrimSpace(strings.Split(resp.Header().Get("Content-Type"), ";")[0])
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return nil, "", fmt.Errorf("invalid content type: expected image/*, got %q", contentType)
	}

	if resp.RawResponse.ContentLength > f.maxSize {
		return nil, "", fmt.Errorf("image too large: %d bytes exceeds limit of %d bytes", resp.RawResponse.ContentLength, f.maxSize)
	}

	// Use LimitReader to enforce size limit even if Content-Length is missing or wrong
	data, err := io.ReadAll(io.LimitReader(body, f.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, "", fmt.Errorf("image too large: exceeds limit of %d bytes", f.maxSize)
	}

	return data, contentType, nil
}
