package scan

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

// Source is a continuous decoder: a camera, a keyboard-wedge scanner or
// manual entry. Decoded yields decoded strings until the context ends, the
// source runs dry or Close is called. Close releases the underlying device
// and is safe to call more than once.
type Source interface {
	Decoded(ctx context.Context) <-chan string
	Close() error
}

// LineSource reads one payload per line. Blank lines are skipped. When the
// reader is also an io.Closer, Close closes it.
type LineSource struct {
	r        io.Reader
	once     sync.Once
	closed   chan struct{}
	closeErr error
}

// NewLineSource wraps r.
func NewLineSource(r io.Reader) *LineSource {
	return &LineSource{r: r, closed: make(chan struct{})}
}

func (s *LineSource) Decoded(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(s.r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
		}
	}()
	return out
}

func (s *LineSource) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if c, ok := s.r.(io.Closer); ok {
			s.closeErr = c.Close()
		}
	})
	return s.closeErr
}
