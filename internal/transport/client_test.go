package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/httpfetch/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}

	opts.Quiet = true

	client, err := NewClient(opts)
	require.NoError(t, err)

	return client
}

func stagingIn(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "out.bin.ab12cd34.part")
}

func TestFetch_StreamsBodyToStagingFile(t *testing.T) {
	payload := []byte("hello staging")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	staging := stagingIn(t)
	client := newTestClient(t, Options{})

	attempt, err := client.Fetch(context.Background(), srv.URL+"/file.bin", staging)
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), attempt.Bytes)
	assert.Equal(t, "abc123", attempt.ETag)
	assert.Equal(t, time.Date(2015, 10, 21, 7, 28, 0, 0, time.UTC), attempt.LastModified)

	got, err := os.ReadFile(staging)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{name: "500 is retryable", status: http.StatusInternalServerError, wantRetryable: true},
		{name: "503 is retryable", status: http.StatusServiceUnavailable, wantRetryable: true},
		{name: "408 is retryable", status: http.StatusRequestTimeout, wantRetryable: true},
		{name: "429 is retryable", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "404 is fatal", status: http.StatusNotFound, wantRetryable: false},
		{name: "401 is fatal", status: http.StatusUnauthorized, wantRetryable: false},
		{name: "403 is fatal", status: http.StatusForbidden, wantRetryable: false},
		{name: "410 is fatal", status: http.StatusGone, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			client := newTestClient(t, Options{})

			_, err := client.Fetch(context.Background(), srv.URL, stagingIn(t))
			require.Error(t, err)

			var nerr *fetch.NetworkError
			require.True(t, errors.As(err, &nerr), "expected NetworkError, got %T", err)
			assert.Equal(t, tt.status, nerr.StatusCode)
			assert.Equal(t, tt.wantRetryable, nerr.Retryable)
		})
	}
}

func TestFetch_StagingWriteFailureIsFilesystemError(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("requires /dev/full")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload that cannot land on disk"))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{})

	_, err := client.Fetch(context.Background(), srv.URL, "/dev/full")
	require.Error(t, err)

	var fsErr *fetch.FilesystemError
	require.True(t, errors.As(err, &fsErr), "expected FilesystemError, got %T", err)
	assert.Equal(t, "stage", fsErr.Op)
	assert.False(t, fetch.IsRetryable(err), "a full disk must not be retried")
}

func TestFetch_TruncatedBodyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write([]byte("only a fragment"))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{})

	_, err := client.Fetch(context.Background(), srv.URL, stagingIn(t))
	require.Error(t, err)

	var nerr *fetch.NetworkError
	require.True(t, errors.As(err, &nerr), "expected NetworkError, got %T", err)
	assert.True(t, nerr.Retryable, "an interrupted body must stay retryable")
}

func TestFetch_ConnectionErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	client := newTestClient(t, Options{})

	_, err := client.Fetch(context.Background(), srv.URL, stagingIn(t))
	require.Error(t, err)
	assert.True(t, fetch.IsRetryable(err), "connection refused must be retryable")
}

func TestFetch_MalformedURLIsConfigurationError(t *testing.T) {
	client := newTestClient(t, Options{})

	_, err := client.Fetch(context.Background(), "http://host/%zz", stagingIn(t))
	require.Error(t, err)

	var confErr *fetch.ConfigurationError
	assert.True(t, errors.As(err, &confErr), "expected ConfigurationError, got %T", err)
}

func TestFetch_FollowsRedirectsUpToBound(t *testing.T) {
	payload := []byte("after redirects")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hop1":
			http.Redirect(w, r, "/hop2", http.StatusFound)
		case "/hop2":
			http.Redirect(w, r, "/final", http.StatusFound)
		default:
			_, _ = w.Write(payload)
		}
	}))
	t.Cleanup(srv.Close)

	staging := stagingIn(t)
	client := newTestClient(t, Options{MaxRedirects: 5})

	_, err := client.Fetch(context.Background(), srv.URL+"/hop1", staging)
	require.NoError(t, err)

	got, err := os.ReadFile(staging)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetch_TooManyRedirectsIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{MaxRedirects: 3})

	_, err := client.Fetch(context.Background(), srv.URL+"/loop", stagingIn(t))
	require.Error(t, err)

	var nerr *fetch.NetworkError
	require.True(t, errors.As(err, &nerr), "expected NetworkError, got %T", err)
	assert.False(t, nerr.Retryable, "redirect loops must not be retried")
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestFetch_AppliesAuthAndCustomHeaders(t *testing.T) {
	var gotAuth, gotCustom string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Build-Id")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{
		Username: "alice",
		Password: "secret",
		Headers:  map[string]string{"X-Build-Id": "42"},
	})

	_, err := client.Fetch(context.Background(), srv.URL, stagingIn(t))
	require.NoError(t, err)

	expected := "Basic " + basicAuth("alice", "secret")
	assert.Equal(t, expected, gotAuth)
	assert.Equal(t, "42", gotCustom)
}

func TestFetch_AppliesBearerToken(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{BearerToken: "tok-123"})

	_, err := client.Fetch(context.Background(), srv.URL, stagingIn(t))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestProbe_NotModified(t *testing.T) {
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ims := r.Header.Get("If-Modified-Since")
		if ims != "" {
			if t, err := http.ParseTime(ims); err == nil && !modTime.After(t) {
				w.WriteHeader(http.StatusNotModified)

				return
			}
		}

		_, _ = w.Write([]byte("fresh content"))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{})

	notModified, err := client.Probe(context.Background(), srv.URL, modTime, "")
	require.NoError(t, err)
	assert.True(t, notModified)

	// An older local copy means the server answers with content.
	notModified, err = client.Probe(context.Background(), srv.URL, modTime.Add(-time.Hour), "")
	require.NoError(t, err)
	assert.False(t, notModified)
}

func TestProbe_ETagSentQuoted(t *testing.T) {
	var gotETag string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		if gotETag == `"v7"` {
			w.WriteHeader(http.StatusNotModified)

			return
		}

		_, _ = w.Write([]byte("content"))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{})

	notModified, err := client.Probe(context.Background(), srv.URL, time.Time{}, "v7")
	require.NoError(t, err)
	assert.True(t, notModified)
	assert.Equal(t, `"v7"`, gotETag)
}

func TestProbe_FallsBackToGetWhenHeadRejected(t *testing.T) {
	var methods []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)

		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{})

	notModified, err := client.Probe(context.Background(), srv.URL, time.Now(), "")
	require.NoError(t, err)
	assert.True(t, notModified)
	assert.Equal(t, []string{http.MethodHead, http.MethodGet}, methods)
}

func TestCleanETag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `"abc"`, want: "abc"},
		{in: `W/"abc"`, want: "abc"},
		{in: "abc", want: "abc"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("etag %q", tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, cleanETag(tt.in))
		})
	}
}

// basicAuth mirrors net/http's encoding of the Authorization header.
func basicAuth(user, pass string) string {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.SetBasicAuth(user, pass)

	return req.Header.Get("Authorization")[len("Basic "):]
}
