package update

import (
	"errors"
	"io"
	"sync/atomic"
)

// countingReader counts the bytes read from the network and remembers the first read error.
type countingReader struct {
	r     io.Reader
	count atomic.Int64
	err   error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.count.Add(int64(n))
	if err != nil && !errors.Is(err, io.EOF) && c.err == nil {
		c.err = err
	}
	return n, err
}

func (c *countingReader) Count() int64 {
	return c.count.Load()
}

// sourceReader tags errors coming from the archive side of a copy.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}
