package fetch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kirade/raido/internal/transport"
)

// Engine owns the connection pool and dialer shared by every fetch. It is
// safe for concurrent use; each Fetch runs its own supervisor over the
// shared transport.
type Engine struct {
	cfg    Config
	dialer *transport.Dialer
}

func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxWorkers > 5 {
		cfg.Transport.HighThreadMode = true
	}
	dialer, err := transport.NewDialer(cfg.Transport, transport.NewPool())
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, dialer: dialer}, nil
}

// Fetch retrieves one resource described by desc. Callers get either a
// complete, length-verified result or an error; a file target failing
// mid-transfer is removed or kept as an explicit .part file for a later
// resume, never left looking complete.
func (e *Engine) Fetch(ctx context.Context, desc Descriptor) (*Result, error) {
	start := time.Now()
	target, err := parseTarget(desc.URL)
	if err != nil {
		return nil, err
	}

	var fs *fileSink
	var ms *memorySink
	var sk sink
	if desc.OutputPath != "" {
		fs, err = newFileSink(desc.OutputPath)
		if err != nil {
			return nil, err
		}
		sk = fs
	} else {
		ms = &memorySink{}
		sk = ms
	}

	sup := newSupervisor(e.cfg, e.dialer, desc, target, sk)
	log.Debug().Str("op", "fetch/engine").Msgf("Fetching %s", desc.URL)
	if err := sup.run(ctx); err != nil {
		if fs != nil {
			e.disposePartial(fs, sup)
		}
		return nil, err
	}

	res := &Result{
		StatusLine: sup.statusLine,
		StatusCode: sup.statusCode,
		Headers:    sup.headers,
		Bytes:      sk.Written(),
		FinalURL:   sup.current.String(),
		Segments:   sup.segments,
		Elapsed:    time.Since(start),
	}
	if fs != nil {
		if err := fs.Finalize(); err != nil {
			return nil, err
		}
	} else {
		res.Buffer = ms.Bytes()
	}
	log.Debug().Str("op", "fetch/engine").Msgf("Fetched %d bytes from %s in %s", res.Bytes, res.FinalURL, res.Elapsed)
	return res, nil
}

// disposePartial decides what a failed file transfer leaves behind. A
// segmented part file holds unfilled ranges at its preallocated size, so its
// length can't serve as a resume offset and it must go. A sequential part
// file with real bytes stays for the next run to continue.
func (e *Engine) disposePartial(fs *fileSink, sup *supervisor) {
	if sup.segments > 0 || fs.Written() == 0 {
		fs.Discard()
		return
	}
	fs.abandon()
}

// Close shuts the dialer and every pooled connection.
func (e *Engine) Close() {
	e.dialer.Close()
}
