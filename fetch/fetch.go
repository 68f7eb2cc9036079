// Package fetch performs outbound HTTP requests on behalf of the federation
// layer. Every remote lookup goes through here so that requests can never be
// steered at loopback, private, or link-local targets, including via
// redirects or DNS rebinding.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fedivent/fedivent/logging"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 5
)

// UnsafeTargetError is returned when a URL resolves to a disallowed
// destination. It is fatal for that fetch and never retried.
type UnsafeTargetError struct {
	URL    string
	Reason string
}

func (e *UnsafeTargetError) Error() string {
	return fmt.Sprintf("unsafe fetch target %s: %s", e.URL, e.Reason)
}

// TimeoutError is returned when no response arrives within the configured
// timeout. Callers may retry.
type TimeoutError struct {
	URL string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch timed out: %s", e.URL)
}

// TooManyRedirectsError is returned when the redirect chain exceeds the cap.
type TooManyRedirectsError struct {
	URL   string
	Limit int
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("fetch exceeded %d redirects: %s", e.Limit, e.URL)
}

// Resolver is the DNS lookup used for target validation. Narrowed to an
// interface so tests can stub resolution.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Options control a single fetch.
type Options struct {
	Method       string        // default GET
	Header       http.Header   // copied onto the request
	Body         []byte        // request body, nil for none
	Timeout      time.Duration // per-attempt cap, default 30s
	MaxRedirects int           // default 5
}

// Fetcher validates and performs outbound requests. The zero value is not
// usable; construct with New.
type Fetcher struct {
	client   *http.Client
	resolver Resolver
	// devMode allows localhost and *.local targets for federation testing.
	devMode bool
}

func New(devMode bool) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			// Redirects are followed manually so every hop is re-validated.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolver: net.DefaultResolver,
		devMode:  devMode,
	}
}

// NewWithResolver is New with an injected DNS resolver, for tests.
func NewWithResolver(devMode bool, r Resolver) *Fetcher {
	f := New(devMode)
	f.resolver = r
	return f
}

// Do validates the target and performs the request, following up to
// MaxRedirects redirect hops. Each hop is validated from scratch. The caller
// owns the response body.
func (f *Fetcher) Do(ctx context.Context, rawURL string, opts Options) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	current := rawURL
	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return nil, &TooManyRedirectsError{URL: rawURL, Limit: maxRedirects}
		}

		target, err := url.Parse(current)
		if err != nil {
			return nil, &UnsafeTargetError{URL: current, Reason: "unparseable URL"}
		}

		if err := f.validateTarget(ctx, target); err != nil {
			return nil, err
		}

		resp, err := f.attempt(ctx, method, current, opts, timeout)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode < 300 || resp.StatusCode > 399 {
			return resp, nil
		}

		location := resp.Header.Get("Location")
		resp.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("redirect from %s without Location header", current)
		}

		next, err := target.Parse(location)
		if err != nil {
			return nil, &UnsafeTargetError{URL: location, Reason: "unparseable redirect target"}
		}

		logging.Debug().Str("from", current).Str("to", next.String()).Msg("following redirect")
		current = next.String()

		// Redirected requests are reissued as GET without a body, matching
		// what browsers and other fediverse servers do for 301/302/303.
		if resp.StatusCode != http.StatusTemporaryRedirect && resp.StatusCode != http.StatusPermanentRedirect {
			method = http.MethodGet
			opts.Body = nil
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, method, target string, opts Options, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	var req *http.Request
	var err error
	if opts.Body != nil {
		req, err = http.NewRequestWithContext(attemptCtx, method, target, bytes.NewReader(opts.Body))
	} else {
		req, err = http.NewRequestWithContext(attemptCtx, method, target, nil)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for name, values := range opts.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "fedivent/1.0 ActivityPub")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{URL: target}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TimeoutError{URL: target}
		}
		return nil, err
	}

	// The timer must outlive the request so the body stays readable; tie it
	// to body close instead.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// validateTarget applies the anti-SSRF rules to a single URL.
func (f *Fetcher) validateTarget(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return &UnsafeTargetError{URL: u.String(), Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return &UnsafeTargetError{URL: u.String(), Reason: "missing host"}
	}

	lower := strings.ToLower(host)

	if f.devMode && (lower == "localhost" || lower == "127.0.0.1" || strings.HasSuffix(lower, ".local")) {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if disallowedIP(ip) {
			return &UnsafeTargetError{URL: u.String(), Reason: "address in private or local range"}
		}
		return nil
	}

	if lower == "localhost" || strings.HasSuffix(lower, ".local") {
		return &UnsafeTargetError{URL: u.String(), Reason: "local hostname"}
	}

	// Resolve and check every address: a public hostname pointed at an
	// internal address (DNS rebinding) must be rejected too.
	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return &UnsafeTargetError{URL: u.String(), Reason: fmt.Sprintf("DNS resolution failed: %v", err)}
	}
	if len(addrs) == 0 {
		return &UnsafeTargetError{URL: u.String(), Reason: "hostname resolved to no addresses"}
	}
	for _, addr := range addrs {
		if disallowedIP(addr.IP) {
			return &UnsafeTargetError{URL: u.String(), Reason: fmt.Sprintf("hostname resolves to disallowed address %s", addr.IP)}
		}
	}

	return nil
}

// disallowedIP reports whether the address is loopback, RFC1918/ULA private,
// link-local, or unspecified.
func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
