package transport

import (
	"bufio"
	"net"
	"time"
)

// Conn is a single established connection to an origin or through a proxy.
// Reads must go through Reader so bytes buffered behind a response stay with
// the connection; writes go straight to the socket.
type Conn struct {
	raw    net.Conn
	Reader *bufio.Reader

	Scheme string
	Host   string
	Port   string

	// ViaProxy is set on plaintext connections that talk to a proxy, where
	// the request line must carry the absolute URL.
	ViaProxy bool
	// ProxyAuth carries the Proxy-Authorization value for per-request proxy
	// auth on plaintext proxied connections. Tunneled connections authenticate
	// once during CONNECT.
	ProxyAuth string
	// Reused marks a connection handed out from the keep-alive pool.
	Reused bool
}

func newConn(raw net.Conn, scheme, host, port string) *Conn {
	return &Conn{
		raw:    raw,
		Reader: bufio.NewReaderSize(raw, 64*1024),
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}
}

// Key identifies the pool slot for this connection.
func (c *Conn) Key() string {
	return c.Scheme + "://" + net.JoinHostPort(c.Host, c.Port)
}

// AbsoluteForm reports whether requests on this connection need the full URL
// in the request line.
func (c *Conn) AbsoluteForm() bool {
	return c.ViaProxy && c.Scheme == "http"
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.raw.Write(p)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

// Clean reports whether the connection has no unread bytes buffered, i.e. the
// previous response was fully consumed and the connection can be pooled.
func (c *Conn) Clean() bool {
	return c.Reader.Buffered() == 0
}
