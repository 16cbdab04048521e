package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kirade/raido/internal/transport"
	"github.com/kirade/raido/internal/utils"
)

// response is one parsed reply with its body still on the wire.
type response struct {
	conn       *transport.Conn
	statusLine string
	statusCode int
	headers    http.Header
	body       io.Reader

	// length is the expected byte count of this body; -1 unknown.
	length int64
	// docLength is the full resource length; -1 unknown.
	docLength int64
	// rangeStart is the document offset of the first body byte.
	rangeStart int64

	keepAlive bool
	chunked   bool
}

// writeObserver runs after every sink write with the byte delta; it is where
// throttling and progress hook into both transfer paths.
type writeObserver func(delta int64) error

// stream copies the body to w, stopping exactly at the expected length (or
// at maxBytes when that is smaller) instead of waiting for the peer to
// close. The read deadline is re-armed before every read; zero progress past
// it surfaces ErrTimedOut. A clean EOF before the expected length is not an
// error here — the caller decides whether that is truncation.
func (r *response) stream(ctx context.Context, w io.Writer, maxBytes int64, idle time.Duration, observe writeObserver) (int64, error) {
	limit := r.length
	if maxBytes >= 0 && (limit < 0 || maxBytes < limit) {
		limit = maxBytes
	}
	defer r.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, utils.DefaultBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if limit >= 0 && written >= limit {
			return written, nil
		}
		readSize := int64(len(buf))
		if limit >= 0 && limit-written < readSize {
			readSize = limit - written
		}
		r.conn.SetReadDeadline(time.Now().Add(idle))
		n, err := r.body.Read(buf[:readSize])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("%w: %v", errSinkWrite, werr)
			}
			written += int64(n)
			if observe != nil {
				if oerr := observe(int64(n)); oerr != nil {
					return written, oerr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			if isTimeout(err) {
				return written, fmt.Errorf("%w: no data for %s", ErrTimedOut, idle)
			}
			return written, fmt.Errorf("reading body: %w", err)
		}
	}
}

// fullyConsumed reports whether written covers the whole expected body, which
// is what makes the connection safe to pool again.
func (r *response) fullyConsumed(written int64) bool {
	return r.length >= 0 && written == r.length
}

// discardBody reads and drops at most limit body bytes, for non-2xx replies
// whose text still matters (rate-limit notices).
func (r *response) discardBody(limit int64, idle time.Duration) []byte {
	defer r.conn.SetReadDeadline(time.Time{})
	if r.length >= 0 && r.length < limit {
		limit = r.length
	}
	r.conn.SetReadDeadline(time.Now().Add(idle))
	body, _ := io.ReadAll(io.LimitReader(r.body, limit))
	return body
}
