package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Default timeouts for a tool server connection.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 90 * time.Second
)

// maxLineBytes bounds a single line read from the stream. Responses from
// tool servers that return file contents can be large.
const maxLineBytes = 16 * 1024 * 1024

// ConnConfig describes one TCP endpoint and its timeouts.
type ConnConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Addr returns the host:port form of the endpoint.
func (c ConnConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Conn is a line-oriented TCP connection. Writes append a newline and
// flush immediately; reads return one line at a time with the trailing
// newline stripped. Conn is not safe for concurrent Send or ReadLine;
// Close may be called from any goroutine.
type Conn struct {
	addr        string
	readTimeout time.Duration

	nc     net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a TCP connection to the endpoint. Failures, including the
// connect timeout, are reported as *ConnectionError.
func Dial(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	addr := cfg.Addr()
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
	}

	return newConn(nc, addr, cfg.ReadTimeout), nil
}

func newConn(nc net.Conn, addr string, readTimeout time.Duration) *Conn {
	return &Conn{
		addr:        addr,
		readTimeout: readTimeout,
		nc:          nc,
		reader:      bufio.NewReaderSize(nc, 64*1024),
		writer:      bufio.NewWriter(nc),
	}
}

// Addr returns the remote address this connection was dialed with.
func (c *Conn) Addr() string { return c.addr }

// Send writes line followed by a newline and flushes.
func (c *Conn) Send(ctx context.Context, line []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
	} else {
		_ = c.nc.SetWriteDeadline(time.Time{})
	}
	if _, err := c.writer.Write(line); err != nil {
		return &ConnectionError{Addr: c.addr, Op: "write", Err: err}
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return &ConnectionError{Addr: c.addr, Op: "write", Err: err}
	}
	if err := c.writer.Flush(); err != nil {
		return &ConnectionError{Addr: c.addr, Op: "write", Err: err}
	}
	return nil
}

// ReadLine blocks until a full line is available, the read timeout
// elapses, or ctx is done. A clean end of stream with no pending bytes
// returns io.EOF; a trailing partial line is returned as a line.
func (c *Conn) ReadLine(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.nc.SetReadDeadline(deadline)

	// Unblock the read if the caller gives up before the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, &ConnectionError{Addr: c.addr, Op: "read", Err: fmt.Errorf("line exceeds %d bytes", maxLineBytes)}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, io.EOF
			}
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ConnectionError{Addr: c.addr, Op: "read", Err: err}
	}

	return bytes.TrimRight(line, "\r\n"), nil
}

// Close closes the connection. Subsequent calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
