package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kirade/raido/internal/transport"
)

type segState int

const (
	segPending segState = iota
	segFetching
	segDone
	segFailed
)

// segment is one contiguous byte range of the resource, fetched by one
// connection at a time and written at its own file offset.
type segment struct {
	index   int
	start   int64
	length  int64
	written int64
	state   segState
}

// errSegmentShort signals a truncated segment window; the segment resumes in
// place from its own written count.
var errSegmentShort = errors.New("segment truncated")

// planSegments splits [0, docLength) into chunks of ceil(docLength/workers),
// floored at minChunk: ranges pairwise disjoint, union exactly the resource.
func planSegments(docLength int64, workers int, minChunk int64) []segment {
	chunkSize := (docLength + int64(workers) - 1) / int64(workers)
	if chunkSize < minChunk {
		chunkSize = minChunk
	}
	count := int((docLength + chunkSize - 1) / chunkSize)
	segments := make([]segment, count)
	for i := range segments {
		start := int64(i) * chunkSize
		length := chunkSize
		if start+length > docLength {
			length = docLength - start
		}
		segments[i] = segment{index: i, start: start, length: length}
	}
	return segments
}

// runSegmented fans the transfer out across segments, reusing the already
// open response as segment 0. Completion is all-or-nothing: any segment's
// permanent failure aborts the whole transfer, and the caller sees a single
// result only after every byte is in place.
func (s *supervisor) runSegmented(ctx context.Context, conn *transport.Conn, resp *response, fs *fileSink) supState {
	segments := planSegments(resp.docLength, s.cfg.MaxWorkers, s.cfg.MinChunkSize)
	s.segments = len(segments)
	log.Debug().Str("op", "fetch/segmented").Msgf("Splitting %d bytes into %d segments of up to %d bytes",
		resp.docLength, len(segments), segments[0].length)
	if err := fs.preallocate(resp.docLength); err != nil {
		conn.Close()
		s.err = fmt.Errorf("preallocating output: %w", err)
		return stateFatal
	}

	observe := s.observer(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)

	// Segment 0 rides the connection that learned the document length, so
	// bytes already buffered behind the headers are not wasted. Its read is
	// capped at the segment boundary; the early cutoff poisons the
	// connection, which therefore never returns to the pool.
	g.Go(func() error {
		seg := &segments[0]
		seg.state = segFetching
		written, err := resp.stream(gctx, fs.writerAt(seg.start), seg.length, s.cfg.IdleTimeout, observe)
		seg.written += written
		conn.Close()
		if err != nil {
			if isSegmentFatal(err) {
				seg.state = segFailed
				return fmt.Errorf("segment 0: %w", err)
			}
			return s.fetchSegment(gctx, seg, fs, observe)
		}
		if seg.written < seg.length {
			return s.fetchSegment(gctx, seg, fs, observe)
		}
		seg.state = segDone
		return nil
	})
	for i := 1; i < len(segments); i++ {
		seg := &segments[i]
		g.Go(func() error {
			return s.fetchSegment(gctx, seg, fs, observe)
		})
	}

	if err := g.Wait(); err != nil {
		s.err = err
		return stateFatal
	}
	var got int64
	for i := range segments {
		got += segments[i].written
	}
	if got != resp.docLength {
		s.err = fmt.Errorf("segmented transfer incomplete: %d of %d bytes", got, resp.docLength)
		return stateFatal
	}
	fs.setWritten(resp.docLength)
	return stateSuccess
}

// fetchSegment completes one segment over fresh connections, resuming in
// place on transient failures. The resume budget is shared by all segments of
// the transfer rather than granted per segment.
func (s *supervisor) fetchSegment(ctx context.Context, seg *segment, fs *fileSink, observe writeObserver) error {
	seg.state = segFetching
	for {
		if err := ctx.Err(); err != nil {
			seg.state = segFailed
			return err
		}
		err := s.fetchSegmentOnce(ctx, seg, fs, observe)
		if err == nil {
			seg.state = segDone
			return nil
		}
		if isSegmentFatal(err) {
			seg.state = segFailed
			return fmt.Errorf("segment %d: %w", seg.index, err)
		}
		used := int(s.segResumes.Add(1))
		if used > s.cfg.RetryBudget {
			seg.state = segFailed
			return fmt.Errorf("%w: segment %d, last: %v", ErrBudgetExhausted, seg.index, err)
		}
		log.Warn().Str("op", "fetch/segmented").Msgf("Segment %d interrupted at byte %d, resuming (%d/%d): %v",
			seg.index, seg.written, used, s.cfg.RetryBudget, err)
		if serr := sleepContext(ctx, time.Duration(used)*500*time.Millisecond); serr != nil {
			seg.state = segFailed
			return serr
		}
	}
}

func (s *supervisor) fetchSegmentOnce(ctx context.Context, seg *segment, fs *fileSink, observe writeObserver) error {
	remaining := seg.length - seg.written
	if remaining <= 0 {
		return nil
	}
	conn, err := s.dialer.Acquire(ctx, s.current.Scheme, s.current.Hostname(), s.current.Port())
	if err != nil {
		return err
	}
	start := seg.start + seg.written
	end := seg.start + seg.length - 1
	req := &request{
		url:        s.current,
		userAgent:  s.cfg.UserAgent,
		referer:    s.desc.Referer,
		headers:    s.desc.Headers,
		hasRange:   true,
		rangeStart: start,
		rangeEnd:   end,
		keepAlive:  true,
	}
	if err := writeRequest(conn, req); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", transport.ErrConnectFailed, err)
	}
	resp, err := readResponse(conn, s.cfg.IdleTimeout, true)
	if err != nil {
		conn.Close()
		if conn.Reused && !errors.Is(err, ErrTimedOut) {
			// Stale pooled connection; the next attempt dials fresh.
			return fmt.Errorf("%w: stale pooled connection: %v", transport.ErrConnectFailed, err)
		}
		return err
	}
	if resp.statusCode != http.StatusPartialContent {
		conn.Close()
		return &StatusError{Code: resp.statusCode, Status: resp.statusLine, Permanent: true, Detail: "segment range not honored"}
	}
	if resp.rangeStart != start {
		conn.Close()
		return &StatusError{Code: resp.statusCode, Status: resp.statusLine, Permanent: true,
			Detail: fmt.Sprintf("window starts at byte %d, requested %d", resp.rangeStart, start)}
	}

	written, err := resp.stream(ctx, fs.writerAt(start), remaining, s.cfg.IdleTimeout, observe)
	seg.written += written
	if err != nil {
		conn.Close()
		return err
	}
	if written < remaining {
		// Clean EOF short of the window: resumable truncation.
		s.dialer.Release(conn, resp.keepAlive && resp.fullyConsumed(written))
		return fmt.Errorf("%w: %d of %d bytes", errSegmentShort, seg.written, seg.length)
	}
	s.dialer.Release(conn, resp.keepAlive && resp.fullyConsumed(written))
	return nil
}

// isSegmentFatal separates errors that abort the whole segmented transfer
// from ones a segment may resume through. Idle timeouts are fatal here:
// partial files must never linger behind a stalled origin.
func isSegmentFatal(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return errors.Is(err, ErrTimedOut) ||
		errors.Is(err, transport.ErrProxy) ||
		errors.Is(err, errSinkWrite) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
