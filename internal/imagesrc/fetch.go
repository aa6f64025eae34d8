package imagesrc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBytes     = 10 << 20
	maxRedirects        = 5
)

// carrier-grade NAT, not covered by netip.Addr.IsPrivate
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Fetcher downloads and decodes remote images.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	allowPrivate bool
}

// NewFetcher returns a Fetcher. Zero values select the defaults. Unless
// allowPrivate is set, connections to loopback, private, link-local and
// unspecified addresses are refused, including after redirects.
func NewFetcher(timeout time.Duration, maxBytes int64, allowPrivate bool) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	f := &Fetcher{maxBytes: maxBytes, allowPrivate: allowPrivate}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		dialer := &net.Dialer{
			Timeout: timeout,
			Control: dialControl,
		}
		transport.DialContext = dialer.DialContext
		// a proxy would dial the target for us and skip the address check
		transport.Proxy = nil
	}

	f.client = &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// dialControl runs after DNS resolution, so it sees the address actually
// being connected to.
func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || forbidden(addr) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, host)
	}
	return nil
}

func forbidden(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		sharedAddressSpace.Contains(addr)
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if _, err := ValidateURL(req.URL.String()); err != nil {
		return err
	}
	if f.allowPrivate {
		return nil
	}
	if addr, err := netip.ParseAddr(req.URL.Hostname()); err == nil && forbidden(addr) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, addr)
	}
	return nil
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Probe downloads raw and decodes it. A nil error means the URL denotes a
// usable image.
func (f *Fetcher) Probe(ctx context.Context, raw string) (image.Image, string, error) {
	u, err := ValidateURL(raw)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrForbiddenAddress) {
			return nil, "", fmt.Errorf("%w: %s", ErrForbiddenAddress, u.Host)
		}
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", ErrTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", ErrTooLarge
	}

	return DecodeFile(File{Name: u.String(), ContentType: resp.Header.Get("Content-Type"), Data: body})
}
