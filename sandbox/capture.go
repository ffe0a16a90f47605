package sandbox

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps the first limit bytes written to it and discards the rest.
// onOverflow runs once, on the first write that does not fit. Writes never fail
// so the copying goroutine keeps draining the pipe until the process is gone.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	truncated  bool
	onOverflow func()
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	overflowed := false
	remaining := c.limit - int64(c.buf.Len())
	switch {
	case int64(len(p)) <= remaining:
		c.buf.Write(p)
	default:
		if remaining > 0 {
			c.buf.Write(p[:remaining])
		}
		if !c.truncated {
			c.truncated = true
			overflowed = true
		}
	}
	c.mu.Unlock()

	if overflowed && c.onOverflow != nil {
		c.onOverflow()
	}
	return len(p), nil
}

func (c *cappedBuffer) capture() Capture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Capture{
		Data:      bytes.Clone(c.buf.Bytes()),
		Truncated: c.truncated,
	}
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
