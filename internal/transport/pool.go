package transport

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool keeps at most one idle connection per scheme+host. Get removes the
// entry so a pooled connection never serves two requests; Put inserts it
// back, closing any entry it displaces. Both are single steps under the lock
// with nothing blocking inside.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Conn)}
}

func (p *Pool) Get(key string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[key]
	if !ok {
		return nil
	}
	delete(p.conns, key)
	conn.Reused = true
	return conn
}

func (p *Pool) Put(conn *Conn) {
	if conn == nil {
		return
	}
	if !conn.Clean() {
		// Leftover bytes mean the response was not fully consumed; the
		// connection cannot carry another request.
		conn.Close()
		return
	}
	key := conn.Key()
	p.mu.Lock()
	old := p.conns[key]
	p.conns[key] = conn
	p.mu.Unlock()
	if old != nil {
		log.Debug().Str("op", "transport/pool").Msgf("Displacing idle connection for %s", key)
		old.Close()
	}
}

// Len reports the number of idle connections held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close drops and closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
