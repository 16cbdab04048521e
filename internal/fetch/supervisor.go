package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kirade/raido/internal/transport"
)

type supState int

const (
	stateRequesting supState = iota
	stateRedirected
	statePartial
	stateRetry
	stateSuccess
	stateFatal
)

// supervisor drives one fetch through an explicit state machine. It is the
// sole place that decides retry versus surface: redirects consume the hop
// bound, truncations consume the resume budget, failed attempts consume the
// retry budget, and permanent conditions short-circuit all three.
type supervisor struct {
	cfg    Config
	dialer *transport.Dialer
	desc   Descriptor
	sink   sink

	current *url.URL
	hops    int
	resumes int
	retries int
	// segResumes pools in-place segment resumes across all segments, so one
	// flaky origin cannot stretch a segmented transfer out indefinitely.
	segResumes atomic.Int32

	governor *governor
	total    atomic.Int64 // absolute bytes present in the sink
	base     int64        // bytes that predate this run (leftover part file)

	statusLine string
	statusCode int
	headers    http.Header
	docLength  int64
	segments   int
	err        error
}

// parseTarget validates a fetchable URL before anything touches the
// filesystem or the network.
func parseTarget(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in %q", parsed.Scheme, rawURL)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("missing host in %q", rawURL)
	}
	return parsed, nil
}

func newSupervisor(cfg Config, dialer *transport.Dialer, desc Descriptor, target *url.URL, sk sink) *supervisor {
	s := &supervisor{
		cfg:       cfg,
		dialer:    dialer,
		desc:      desc,
		sink:      sk,
		current:   target,
		docLength: -1,
	}
	s.base = sk.Written()
	s.total.Store(s.base)
	return s
}

func (s *supervisor) run(ctx context.Context) error {
	s.governor = newGovernor(s.cfg.RateCeiling)
	state := stateRequesting
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch state {
		case stateRequesting:
			state = s.attempt(ctx)
		case stateRedirected:
			s.hops++
			if s.hops > s.cfg.RedirectLimit {
				return fmt.Errorf("%w: %d hops", ErrTooManyRedirects, s.hops-1)
			}
			log.Debug().Str("op", "fetch/supervisor").Msgf("Redirect %d: %s", s.hops, s.current)
			state = stateRequesting
		case statePartial:
			s.resumes++
			if s.resumes > s.cfg.ResumeBudget {
				return fmt.Errorf("%w: %d failed resumptions, last: %v", ErrBudgetExhausted, s.resumes-1, s.err)
			}
			log.Warn().Str("op", "fetch/supervisor").Msgf("Transfer interrupted at byte %d, resuming (%d/%d): %v",
				s.sink.Written(), s.resumes, s.cfg.ResumeBudget, s.err)
			state = stateRequesting
		case stateRetry:
			s.retries++
			if s.retries > s.cfg.RetryBudget {
				return fmt.Errorf("%w: %d retries, last: %v", ErrBudgetExhausted, s.retries-1, s.err)
			}
			log.Warn().Str("op", "fetch/supervisor").Msgf("Attempt failed, retrying (%d/%d): %v",
				s.retries, s.cfg.RetryBudget, s.err)
			if err := sleepContext(ctx, time.Duration(s.retries)*500*time.Millisecond); err != nil {
				return err
			}
			state = stateRequesting
		case stateSuccess:
			return nil
		case stateFatal:
			return s.err
		}
	}
}

// attempt runs one request/response exchange and names the state it ends in.
func (s *supervisor) attempt(ctx context.Context) supState {
	startByte := s.sink.Written()
	conn, err := s.dialer.Acquire(ctx, s.current.Scheme, s.current.Hostname(), s.current.Port())
	if err != nil {
		s.err = err
		if errors.Is(err, transport.ErrProxy) {
			return stateFatal
		}
		return stateRetry
	}

	req := &request{
		url:       s.current,
		userAgent: s.cfg.UserAgent,
		referer:   s.desc.Referer,
		headers:   s.desc.Headers,
		rangeEnd:  -1,
		keepAlive: true,
	}
	if startByte > 0 || s.wantFullRange() {
		req.hasRange = true
		req.rangeStart = startByte
	}

	if err := writeRequest(conn, req); err != nil {
		conn.Close()
		if conn.Reused {
			// Stale pooled connection; redial fresh without spending budget.
			return stateRequesting
		}
		s.err = fmt.Errorf("%w: %v", transport.ErrConnectFailed, err)
		return stateRetry
	}
	resp, err := readResponse(conn, s.cfg.IdleTimeout, req.hasRange)
	if err != nil {
		conn.Close()
		if conn.Reused {
			return stateRequesting
		}
		s.err = err
		return stateRetry
	}

	// Transfer state resets on every hop and attempt.
	s.statusLine = resp.statusLine
	s.statusCode = resp.statusCode
	s.headers = resp.headers
	if resp.docLength >= 0 {
		s.docLength = resp.docLength
	}

	switch {
	case resp.statusCode >= 300 && resp.statusCode < 400:
		return s.redirect(resp)
	case resp.statusCode == http.StatusTooManyRequests:
		conn.Close()
		s.err = &StatusError{Code: resp.statusCode, Status: resp.statusLine, Permanent: true}
		return stateFatal
	case resp.statusCode < 200 || resp.statusCode >= 300:
		body := resp.discardBody(8192, s.cfg.IdleTimeout)
		conn.Close()
		if marker := s.rateLimitMarker(body); marker != "" {
			s.err = &StatusError{
				Code: resp.statusCode, Status: resp.statusLine,
				Permanent: true, Detail: "rate-limit notice: " + marker,
			}
			return stateFatal
		}
		s.err = &StatusError{Code: resp.statusCode, Status: resp.statusLine}
		return stateRetry
	}

	if startByte > 0 && resp.statusCode == http.StatusOK {
		// The server ignored the range; the bytes on the wire start at zero,
		// so the target starts over too.
		log.Warn().Str("op", "fetch/supervisor").Msgf("Server ignored resume at byte %d, restarting", startByte)
		if err := s.sink.Reset(); err != nil {
			conn.Close()
			s.err = fmt.Errorf("restarting output: %w", err)
			return stateFatal
		}
		s.total.Store(0)
		s.base = 0
	}
	if resp.statusCode == http.StatusPartialContent && resp.rangeStart != startByte {
		conn.Close()
		s.err = &StatusError{Code: resp.statusCode, Status: resp.statusLine, Permanent: true,
			Detail: fmt.Sprintf("window starts at byte %d, requested %d", resp.rangeStart, startByte)}
		return stateFatal
	}
	if fs, ok := s.sink.(*fileSink); ok && s.canSegment(resp) {
		return s.runSegmented(ctx, conn, resp, fs)
	}
	return s.streamSingle(ctx, conn, resp)
}

func (s *supervisor) redirect(resp *response) supState {
	// Redirect replies are header-only or tiny; reuse only a provably clean
	// keep-alive connection.
	if resp.length == 0 && resp.keepAlive {
		s.dialer.Release(resp.conn, true)
	} else {
		resp.conn.Close()
	}
	location := resp.headers.Get("Location")
	if location == "" {
		s.err = &StatusError{Code: resp.statusCode, Status: resp.statusLine, Permanent: true, Detail: "redirect without Location"}
		return stateFatal
	}
	next, err := s.current.Parse(location)
	if err != nil {
		s.err = fmt.Errorf("unresolvable redirect %q: %w", location, err)
		return stateFatal
	}
	if host := next.Hostname(); s.blockedHost(host) {
		s.err = &StatusError{Code: resp.statusCode, Status: resp.statusLine, Permanent: true, Detail: "verification redirect to " + host}
		return stateFatal
	}
	s.current = next
	return stateRedirected
}

func (s *supervisor) streamSingle(ctx context.Context, conn *transport.Conn, resp *response) supState {
	written, err := resp.stream(ctx, s.sink, -1, s.cfg.IdleTimeout, s.observer(ctx))
	if err != nil {
		conn.Close()
		s.err = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return stateFatal
		}
		// Timeouts and mid-body socket errors both leave a resumable prefix.
		return statePartial
	}
	if resp.length >= 0 && written < resp.length {
		conn.Close()
		s.err = fmt.Errorf("connection closed %d bytes early", resp.length-written)
		return statePartial
	}
	s.dialer.Release(conn, resp.keepAlive && !resp.chunked && resp.fullyConsumed(written))
	return stateSuccess
}

// wantFullRange decides whether the initial request should carry
// "Range: bytes=0-": that is how a single exchange proves range support and
// learns the document length for segmentation.
func (s *supervisor) wantFullRange() bool {
	if s.desc.OutputPath == "" || s.cfg.MaxWorkers <= 1 {
		return false
	}
	if s.desc.ExpectedSize > 0 && s.desc.ExpectedSize < s.cfg.SegmentThreshold {
		return false
	}
	return true
}

func (s *supervisor) canSegment(resp *response) bool {
	if s.resumes > 0 || s.sink.Written() > 0 {
		return false
	}
	if s.cfg.MaxWorkers <= 1 || resp.chunked {
		return false
	}
	// A 206 with a numeric total is the only proof that ranged segments will
	// be honored.
	if resp.statusCode != http.StatusPartialContent || resp.docLength < 0 {
		return false
	}
	return resp.docLength >= s.cfg.SegmentThreshold
}

// observer funnels every write through the governor and progress callback.
func (s *supervisor) observer(ctx context.Context) writeObserver {
	return func(delta int64) error {
		done := s.total.Add(delta)
		if err := s.governor.throttle(ctx, done-s.base); err != nil {
			return err
		}
		if s.desc.Progress != nil {
			s.desc.Progress(done, s.docLength)
		}
		return nil
	}
}

func (s *supervisor) blockedHost(host string) bool {
	lower := strings.ToLower(host)
	for _, marker := range s.cfg.BlockedHosts {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (s *supervisor) rateLimitMarker(body []byte) string {
	lower := strings.ToLower(string(body))
	for _, marker := range s.cfg.RateLimitMarkers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
