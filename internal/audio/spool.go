package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Spool collects raw PCM16-LE samples on disk while a capture runs. The
// encoder reads it back once the capture finishes.
type Spool struct {
	path string

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	scratch []byte
	samples int64
}

func NewSpool(path string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open raw pcm file: %w", err)
	}
	return &Spool{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

func (s *Spool) Path() string {
	return s.path
}

// Write appends samples. Writes after Close are dropped.
func (s *Spool) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if cap(s.scratch) < len(samples)*2 {
		s.scratch = make([]byte, len(samples)*2)
	}
	buf := s.scratch[:len(samples)*2]
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("write raw pcm bytes: %w", err)
	}
	s.samples += int64(len(samples))
	return nil
}

// Samples is the number of samples written so far.
func (s *Spool) Samples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil

	if err := s.w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush raw pcm file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close raw pcm file: %w", err)
	}
	return nil
}

// Remove closes the spool and deletes it from disk.
func (s *Spool) Remove() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove raw pcm file: %w", err)
	}
	return nil
}
