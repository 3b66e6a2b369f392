package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/httpfetch/internal/fetch"
	"github.com/italolelis/httpfetch/internal/fetch/progress"
	"github.com/italolelis/httpfetch/internal/logctx"
	"golang.org/x/oauth2"
)

const (
	filePerm = 0644

	// progressInterval is how many bytes go by between progress log lines.
	progressInterval = 10 * 1024 * 1024
)

// ErrTooManyRedirects is returned when a response chain exceeds the
// configured redirect bound.
var ErrTooManyRedirects = errors.New("transport: too many redirects")

// Options configures the HTTP client.
type Options struct {
	// ConnectTimeout bounds the TCP connect (and TLS handshake).
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers.
	ReadTimeout time.Duration

	// MaxRedirects bounds the 3xx chain. Default: 10.
	MaxRedirects int

	// ProxyURL routes requests through an HTTP proxy when set. Empty falls
	// back to the environment proxy settings.
	ProxyURL string

	// Username and Password enable basic auth on every request.
	Username string
	Password string

	// BearerToken enables OAuth2 bearer auth on every request.
	BearerToken string

	// Headers are extra request headers applied to every request.
	Headers map[string]string

	// Quiet suppresses progress logging during transfers.
	Quiet bool
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    30 * time.Second,
		MaxRedirects:   10,
	}
}

// Client issues the actual HTTP(S) requests: full transfers streamed to a
// staging file and lightweight conditional probes. It never touches final
// destination paths.
type Client struct {
	client *http.Client
	opts   Options
}

func NewClient(opts Options) (*Client, error) {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, &fetch.ConfigurationError{Field: "proxy", Reason: fmt.Sprintf("malformed proxy URL %q", opts.ProxyURL), Err: err}
		}

		transport.Proxy = http.ProxyURL(proxyURL)
	}

	var rt http.RoundTripper = transport
	if opts.BearerToken != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.BearerToken}),
			Base:   transport,
		}
	}

	return &Client{
		client: &http.Client{
			Transport: rt,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= opts.MaxRedirects {
					return ErrTooManyRedirects
				}

				return nil
			},
		},
		opts: opts,
	}, nil
}

// Fetch downloads url into stagingPath, streaming the body straight to disk.
// The staging file is created or truncated; the caller owns promotion and
// cleanup. Failures are classified via fetch.NetworkError so the retry
// controller can tell transient from final.
func (c *Client) Fetch(ctx context.Context, rawURL, stagingPath string) (*fetch.Attempt, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.classifyTransportError(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(rawURL, resp.StatusCode); err != nil {
		return nil, err
	}

	out, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, &fetch.FilesystemError{Path: stagingPath, Op: "stage", Err: err}
	}

	var body io.Reader = resp.Body
	if !c.opts.Quiet {
		body = progress.NewReader(resp.Body, resp.ContentLength, progressInterval, func(written, total int64) {
			if total > 0 {
				logger.Debug("download progress",
					"url", rawURL,
					"downloaded", humanize.Bytes(uint64(written)),
					"total", humanize.Bytes(uint64(total)))
			} else {
				logger.Debug("download progress", "url", rawURL, "downloaded", humanize.Bytes(uint64(written)))
			}
		})
	}

	written, err := io.Copy(out, body)
	if err != nil {
		out.Close()

		// Write failures surface as *fs.PathError from the staging file;
		// read failures come from the response body and stay retryable.
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, &fetch.FilesystemError{Path: stagingPath, Op: "stage", Err: err}
		}

		return nil, c.classifyTransportError(ctx, rawURL, err)
	}

	if err := out.Close(); err != nil {
		return nil, &fetch.FilesystemError{Path: stagingPath, Op: "stage", Err: err}
	}

	attempt := &fetch.Attempt{
		Bytes: written,
		ETag:  cleanETag(resp.Header.Get("ETag")),
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			attempt.LastModified = t
		}
	}

	return attempt, nil
}

// Probe issues the conditional request behind an only-if-modified check:
// HEAD with If-Modified-Since/If-None-Match, falling back to GET when the
// server rejects HEAD. Reports true on a 304.
func (c *Client) Probe(ctx context.Context, rawURL string, modSince time.Time, etag string) (bool, error) {
	notModified, status, err := c.probe(ctx, http.MethodHead, rawURL, modSince, etag)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		notModified, _, err = c.probe(ctx, http.MethodGet, rawURL, modSince, etag)
	}

	return notModified, err
}

func (c *Client) probe(ctx context.Context, method, rawURL string, modSince time.Time, etag string) (bool, int, error) {
	req, err := c.newRequest(ctx, method, rawURL)
	if err != nil {
		return false, 0, err
	}

	if !modSince.IsZero() {
		req.Header.Set("If-Modified-Since", modSince.UTC().Format(http.TimeFormat))
	}

	if etag != "" {
		if !strings.HasPrefix(etag, `"`) {
			etag = `"` + etag + `"`
		}

		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, 0, c.classifyTransportError(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return true, resp.StatusCode, nil
	}

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return false, resp.StatusCode, nil
	}

	if err := classifyStatus(rawURL, resp.StatusCode); err != nil {
		return false, resp.StatusCode, err
	}

	return false, resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, &fetch.ConfigurationError{Field: "src", Reason: fmt.Sprintf("malformed URL %q", rawURL), Err: err}
	}

	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	return req, nil
}

// classifyTransportError sorts a request error into the retry taxonomy.
// Cancellation is surfaced as-is so callers can tell an aborted invocation
// from a flaky network.
func (c *Client) classifyTransportError(ctx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, ErrTooManyRedirects) {
		return &fetch.NetworkError{
			URL:       rawURL,
			Reason:    fmt.Sprintf("stopped after %d redirects", c.opts.MaxRedirects),
			Retryable: false,
			Err:       err,
		}
	}

	// Connection refused, DNS failures, timeouts, resets: all transient.
	return &fetch.NetworkError{
		URL:       rawURL,
		Reason:    err.Error(),
		Retryable: true,
		Err:       err,
	}
}

func classifyStatus(rawURL string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &fetch.NetworkError{
			URL:        rawURL,
			StatusCode: status,
			Reason:     http.StatusText(status),
			Retryable:  true,
		}
	default:
		return &fetch.NetworkError{
			URL:        rawURL,
			StatusCode: status,
			Reason:     http.StatusText(status),
			Retryable:  false,
		}
	}
}

// cleanETag strips the weak prefix and surrounding quotes from an ETag.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")

	return strings.Trim(etag, `"`)
}
