package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, scheme, host, port string) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return newConn(client, scheme, host, port), server
}

func TestPoolGetRemovesEntry(t *testing.T) {
	pool := NewPool()
	conn, _ := pipeConn(t, "https", "cdn.example.com", "443")

	pool.Put(conn)
	require.Equal(t, 1, pool.Len())

	got := pool.Get(conn.Key())
	require.Same(t, conn, got)
	require.True(t, got.Reused)
	require.Equal(t, 0, pool.Len())

	require.Nil(t, pool.Get(conn.Key()), "second acquire must miss")
}

func TestPoolKeySeparatesSchemeAndHost(t *testing.T) {
	pool := NewPool()
	plain, _ := pipeConn(t, "http", "a.example.com", "80")
	secure, _ := pipeConn(t, "https", "a.example.com", "443")

	pool.Put(plain)
	pool.Put(secure)
	require.Equal(t, 2, pool.Len())

	require.Same(t, plain, pool.Get(plain.Key()))
	require.Same(t, secure, pool.Get(secure.Key()))
}

func TestPoolPutDisplacesAndClosesOld(t *testing.T) {
	pool := NewPool()
	first, _ := pipeConn(t, "https", "cdn.example.com", "443")
	second, _ := pipeConn(t, "https", "cdn.example.com", "443")

	pool.Put(first)
	pool.Put(second)
	require.Equal(t, 1, pool.Len())

	_, err := first.Write([]byte("x"))
	require.Error(t, err, "displaced connection must be closed")

	require.Same(t, second, pool.Get(second.Key()))
}

func TestPoolRejectsDirtyConn(t *testing.T) {
	pool := NewPool()
	conn, server := pipeConn(t, "https", "cdn.example.com", "443")

	go server.Write([]byte("leftover"))
	_, err := conn.Reader.Peek(1)
	require.NoError(t, err)
	require.False(t, conn.Clean())

	pool.Put(conn)
	require.Equal(t, 0, pool.Len(), "conn with unread bytes must not be pooled")
	_, err = conn.Write([]byte("x"))
	require.Error(t, err)
}

func TestPoolClose(t *testing.T) {
	pool := NewPool()
	conn, _ := pipeConn(t, "http", "a.example.com", "80")
	pool.Put(conn)

	pool.Close()
	require.Equal(t, 0, pool.Len())
	_, err := conn.Write([]byte("x"))
	require.Error(t, err)
}
