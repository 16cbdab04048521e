package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rangeFixture serves a payload over real HTTP, honoring bytes=N- resume
// ranges, and can misbehave the way flaky origins do: cutting a response
// short, stalling mid-body, or ignoring the range entirely.
type rangeFixture struct {
	payload     []byte
	truncateAt  int  // body bytes to send before misbehaving
	misbehaves  int  // how many responses misbehave before serving properly
	stall       bool // hold the connection open instead of dropping it
	ignoreRange bool

	mu       sync.Mutex
	requests []string
}

func (f *rangeFixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return srv
}

func (f *rangeFixture) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Header.Get("Range"))
	n := len(f.requests)
	f.mu.Unlock()

	start := 0
	if rng := r.Header.Get("Range"); rng != "" && !f.ignoreRange {
		fmt.Sscanf(rng, "bytes=%d-", &start)
	}
	body := f.payload[start:]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if start > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(f.payload)-1, len(f.payload)))
		w.WriteHeader(http.StatusPartialContent)
	}
	if n <= f.misbehaves && f.truncateAt > 0 && f.truncateAt < len(body) {
		w.Write(body[:f.truncateAt])
		if f.stall {
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		panic(http.ErrAbortHandler)
	}
	w.Write(body)
}

func (f *rangeFixture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *rangeFixture) rangeHeader(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func TestFetchResumesAfterTruncation(t *testing.T) {
	fixture := &rangeFixture{payload: testPayload(4000), truncateAt: 150, misbehaves: 2}
	srv := fixture.server(t)

	out := filepath.Join(t.TempDir(), "clip.bin")
	eng := newTestEngine(t, nil)
	res, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL, OutputPath: out})
	require.NoError(t, err)
	require.Equal(t, int64(4000), res.Bytes)
	require.Equal(t, 0, res.Segments)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(fixture.payload, got), "resumed file must be byte-identical")
	require.Equal(t, 3, fixture.count())
	require.Equal(t, "bytes=150-", fixture.rangeHeader(1))
	require.Equal(t, "bytes=300-", fixture.rangeHeader(2))
}

func TestFetchRestartsWhenResumeIgnored(t *testing.T) {
	fixture := &rangeFixture{payload: testPayload(1000), truncateAt: 100, misbehaves: 1, ignoreRange: true}
	srv := fixture.server(t)

	out := filepath.Join(t.TempDir(), "clip.bin")
	eng := newTestEngine(t, nil)
	res, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL, OutputPath: out})
	require.NoError(t, err)
	require.Equal(t, int64(1000), res.Bytes)

	// The server replayed from byte zero, so the file must hold exactly one
	// copy of the payload, not the 100-byte prefix plus a full replay.
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(fixture.payload, got))
	require.Equal(t, 2, fixture.count())
	require.Equal(t, "bytes=100-", fixture.rangeHeader(1))
}

func TestFetchResumesAfterStall(t *testing.T) {
	fixture := &rangeFixture{payload: testPayload(3000), truncateAt: 120, misbehaves: 1, stall: true}
	srv := fixture.server(t)

	out := filepath.Join(t.TempDir(), "clip.bin")
	eng := newTestEngine(t, func(c *Config) { c.IdleTimeout = 300 * time.Millisecond })
	res, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL, OutputPath: out})
	require.NoError(t, err)
	require.Equal(t, int64(3000), res.Bytes)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(fixture.payload, got))
	require.Equal(t, 2, fixture.count())
	require.Equal(t, "bytes=120-", fixture.rangeHeader(1))
}

func TestFetchKeepsPartFileAcrossRuns(t *testing.T) {
	fixture := &rangeFixture{payload: testPayload(3000), truncateAt: 120, misbehaves: 1, stall: true}
	srv := fixture.server(t)

	dir := t.TempDir()
	out := filepath.Join(dir, "clip.bin")
	eng := newTestEngine(t, func(c *Config) { c.IdleTimeout = 300 * time.Millisecond })

	// The first run gets cut off by its context while the origin stalls,
	// leaving a partial file behind.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_, err := eng.Fetch(ctx, Descriptor{URL: srv.URL, OutputPath: out})
	cancel()
	require.Error(t, err)

	part := filepath.Join(dir, ".raido-temp", "clip.bin.part")
	info, err := os.Stat(part)
	require.NoError(t, err, "interrupted single-stream fetch should leave a resumable part file")
	require.Equal(t, int64(120), info.Size())

	// A later run picks the part file up and finishes the job.
	res, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL, OutputPath: out})
	require.NoError(t, err)
	require.Equal(t, int64(3000), res.Bytes)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(fixture.payload, got))
	require.Equal(t, "bytes=120-", fixture.rangeHeader(1))
	_, err = os.Stat(part)
	require.True(t, os.IsNotExist(err))
}

func TestFetchFollowsRedirectChain(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path == "/hop/0" {
			w.Write([]byte("landed"))
			return
		}
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	}))
	defer srv.Close()

	eng := newTestEngine(t, nil)
	res, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL + "/hop/3"})
	require.NoError(t, err)
	require.Equal(t, "landed", string(res.Buffer))
	require.Equal(t, srv.URL+"/hop/0", res.FinalURL)
	require.Equal(t, int32(4), requests.Load())
}

func TestFetchStopsAtRedirectLimit(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Redirect(w, r, "/loop", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	eng := newTestEngine(t, func(c *Config) { c.RedirectLimit = 4 })
	_, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL + "/loop"})
	require.ErrorIs(t, err, ErrTooManyRedirects)
	require.Equal(t, int32(5), requests.Load(), "one request per allowed hop plus the one that tripped the limit")
}

func TestFetch429IsImmediatelyFatal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, nil)
	_, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	require.True(t, statusErr.Permanent)
	require.NotErrorIs(t, err, ErrBudgetExhausted)
	require.Equal(t, int32(1), requests.Load(), "429 must not be retried")
}

func TestFetchRateLimitNoticeIsFatal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Rate limit exceeded, come back tomorrow"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, nil)
	_, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Permanent)
	require.Contains(t, statusErr.Detail, "rate limit")
	require.Equal(t, int32(1), requests.Load())
}

func TestFetchBlockedRedirectIsFatal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Redirect(w, r, "https://consent.example.com/check?back=1", http.StatusFound)
	}))
	defer srv.Close()

	eng := newTestEngine(t, nil)
	_, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Permanent)
	require.Contains(t, statusErr.Detail, "verification redirect")
	require.Equal(t, int32(1), requests.Load(), "the verification wall itself must never be fetched")
}

func TestFetchRetriesTransientStatusThenSucceeds(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("temporary upstream burp"))
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, nil)
	res, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "recovered", string(res.Buffer))
	require.Equal(t, int32(2), requests.Load())
}

func TestFetchRetryBudgetExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	eng := newTestEngine(t, func(c *Config) { c.RetryBudget = 1 })
	_, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL})
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.Contains(t, err.Error(), "500")
	require.Equal(t, int32(2), requests.Load())
}

func TestFetchMisalignedResumeWindowIsFatal(t *testing.T) {
	payload := testPayload(2000)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Write(payload[:300])
			panic(http.ErrAbortHandler)
		}
		// A broken origin that answers every range from byte zero but still
		// claims 206.
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(payload)-1, len(payload)))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	eng := newTestEngine(t, nil)
	out := filepath.Join(t.TempDir(), "clip.bin")
	_, err := eng.Fetch(context.Background(), Descriptor{URL: srv.URL, OutputPath: out})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Permanent)
	require.Contains(t, statusErr.Detail, "window starts at byte 0, requested 300")
}
