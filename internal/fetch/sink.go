package fetch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/kirade/raido/internal/utils"
)

// sink receives payload bytes. Written is the resume offset for the
// supervisor; Reset starts the target over when a server ignores a range.
type sink interface {
	io.Writer
	Written() int64
	Reset() error
}

// fileSink writes into <dir>/.raido-temp/<base>.part and renames into place
// only on verified completion. A leftover part file from an interrupted run
// is picked up and resumed.
type fileSink struct {
	finalPath string
	tempDir   string
	tempPath  string
	file      *os.File
	written   int64
}

func newFileSink(outputPath string) (*fileSink, error) {
	tempDir := utils.TempDirFor(outputPath)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	tempPath := filepath.Join(tempDir, filepath.Base(outputPath)+".part")
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening part file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("inspecting part file: %w", err)
	}
	written := info.Size()
	if written > 0 {
		if _, err := file.Seek(written, io.SeekStart); err != nil {
			file.Close()
			return nil, fmt.Errorf("seeking part file: %w", err)
		}
		log.Debug().Str("op", "fetch/sink").Msgf("Resuming part file %s at byte %d", tempPath, written)
	}
	return &fileSink{
		finalPath: outputPath,
		tempDir:   tempDir,
		tempPath:  tempPath,
		file:      file,
		written:   written,
	}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *fileSink) Written() int64 {
	return s.written
}

func (s *fileSink) Reset() error {
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.written = 0
	return nil
}

// preallocate reserves the full document length before segments start
// writing at their offsets.
func (s *fileSink) preallocate(size int64) error {
	return s.file.Truncate(size)
}

// writerAt gives a segment a sequential writer over its own file offset.
// os.File.WriteAt is safe for concurrent use, so segments need no locking.
func (s *fileSink) writerAt(offset int64) *offsetWriter {
	return &offsetWriter{file: s.file, offset: offset}
}

// setWritten records the byte count after a segmented run, where segments
// write at offsets rather than through Write.
func (s *fileSink) setWritten(n int64) {
	s.written = n
}

// Finalize closes the part file and moves it into place.
func (s *fileSink) Finalize() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("flushing part file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing part file: %w", err)
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		return fmt.Errorf("moving output into place: %w", err)
	}
	// Drop the temp dir when this was its last part file.
	if remaining, err := os.ReadDir(s.tempDir); err == nil && len(remaining) == 0 {
		os.Remove(s.tempDir)
	}
	return nil
}

// abandon closes the part file but keeps its bytes for a later run to
// resume from.
func (s *fileSink) abandon() {
	s.file.Sync()
	s.file.Close()
	log.Debug().Str("op", "fetch/sink").Msgf("Keeping part file %s (%d bytes) for resume", s.tempPath, s.written)
}

// Discard removes the part file after a fatal failure.
func (s *fileSink) Discard() {
	s.file.Close()
	if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Str("op", "fetch/sink").Msgf("Could not remove part file %s: %v", s.tempPath, err)
	}
	if remaining, err := os.ReadDir(s.tempDir); err == nil && len(remaining) == 0 {
		os.Remove(s.tempDir)
	}
}

type offsetWriter struct {
	file   *os.File
	offset int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.file.WriteAt(p, w.offset)
	w.offset += int64(n)
	return n, err
}

// memorySink buffers the payload for in-memory targets.
type memorySink struct {
	buf bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *memorySink) Written() int64 {
	return int64(s.buf.Len())
}

func (s *memorySink) Reset() error {
	s.buf.Reset()
	return nil
}

func (s *memorySink) Bytes() []byte {
	return s.buf.Bytes()
}
