package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirade/raido/internal/transport"
	"github.com/kirade/raido/internal/utils"
)

// maxHeaderLine guards against a hostile peer feeding an endless header.
const maxHeaderLine = 64 * 1024

type request struct {
	url       *url.URL
	userAgent string
	referer   string
	headers   []utils.Header

	hasRange   bool
	rangeStart int64
	rangeEnd   int64 // inclusive; -1 means open-ended

	keepAlive bool
}

// writeRequest puts a full GET request on the wire. Caller-supplied headers
// keep their order; the request line switches to absolute form on plaintext
// proxied connections.
func writeRequest(conn *transport.Conn, req *request) error {
	target := req.url.RequestURI()
	if conn.AbsoluteForm() {
		abs := *req.url
		abs.Fragment = ""
		target = abs.String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", hostHeader(req.url))
	fmt.Fprintf(&b, "User-Agent: %s\r\n", req.userAgent)
	if req.referer != "" {
		fmt.Fprintf(&b, "Referer: %s\r\n", req.referer)
	}
	for _, h := range req.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("Accept-Encoding: identity\r\n")
	if conn.AbsoluteForm() && conn.ProxyAuth != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", conn.ProxyAuth)
	}
	if req.hasRange {
		if req.rangeEnd >= 0 {
			fmt.Fprintf(&b, "Range: bytes=%d-%d\r\n", req.rangeStart, req.rangeEnd)
		} else {
			fmt.Fprintf(&b, "Range: bytes=%d-\r\n", req.rangeStart)
		}
	}
	if req.keepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

// hostHeader renders the Host value, dropping default ports.
func hostHeader(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" || (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return host
	}
	return net.JoinHostPort(host, port)
}

func readLine(conn *transport.Conn, idle time.Duration) (string, error) {
	conn.SetReadDeadline(time.Now().Add(idle))
	line, err := conn.Reader.ReadString('\n')
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: no reply within %s", ErrTimedOut, idle)
		}
		return "", err
	}
	if len(line) > maxHeaderLine {
		return "", errors.New("header line too long")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readResponse parses the status line and headers off the connection and
// decides the authoritative body length: Content-Range total when a range
// was requested, Content-Length otherwise, unknown for chunked bodies.
func readResponse(conn *transport.Conn, idle time.Duration, ranged bool) (*response, error) {
	statusLine, err := readLine(conn, idle)
	if err != nil {
		if errors.Is(err, ErrTimedOut) {
			return nil, err
		}
		return nil, fmt.Errorf("reading status line: %w", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return nil, fmt.Errorf("malformed status code in %q", statusLine)
	}

	headers := make(http.Header)
	for {
		line, err := readLine(conn, idle)
		if err != nil {
			if errors.Is(err, ErrTimedOut) {
				return nil, err
			}
			return nil, fmt.Errorf("reading headers: %w", err)
		}
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp := &response{
		conn:       conn,
		statusLine: statusLine,
		statusCode: code,
		headers:    headers,
		body:       conn.Reader,
		length:     -1,
		docLength:  -1,
		keepAlive:  parts[0] == "HTTP/1.1" && !strings.EqualFold(headers.Get("Connection"), "close"),
	}

	switch {
	case code == http.StatusNoContent || code == http.StatusNotModified:
		resp.length = 0
	case strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked"):
		resp.chunked = true
		resp.body = httputil.NewChunkedReader(conn.Reader)
	case ranged && code == http.StatusPartialContent:
		start, end, total, err := parseContentRange(headers.Get("Content-Range"))
		if err != nil {
			return nil, fmt.Errorf("bad Content-Range %q: %w", headers.Get("Content-Range"), err)
		}
		resp.rangeStart = start
		resp.length = end - start + 1
		resp.docLength = total
	default:
		if cl := headers.Get("Content-Length"); cl != "" {
			v, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("bad Content-Length %q", cl)
			}
			resp.length = v
			if code == http.StatusOK {
				resp.docLength = v
			}
		}
	}
	return resp, nil
}

// parseContentRange reads "bytes A-B/TOTAL". A "*" or non-numeric TOTAL
// yields -1: the resource length is unknown but the window is still usable.
func parseContentRange(value string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("missing bytes unit")
	}
	window, totalPart, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("missing total separator")
	}
	startPart, endPart, ok := strings.Cut(window, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("missing range separator")
	}
	start, err = strconv.ParseInt(strings.TrimSpace(startPart), 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad range start: %w", err)
	}
	end, err = strconv.ParseInt(strings.TrimSpace(endPart), 10, 64)
	if err != nil || end < start {
		return 0, 0, 0, fmt.Errorf("bad range end")
	}
	total, err = strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64)
	if err != nil {
		total = -1
	}
	return start, end, total, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
