// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package phttp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/yandex/piping/core"
)

// NewConn adapts net/http request and response to core.Conn.
// HTTP/1.0 responses are buffered up to http10Limit so they can be sent with
// Content-Length. Other protocol versions are streamed.
func NewConn(w http.ResponseWriter, r *http.Request, http10Limit datasize.ByteSize) core.Conn {
	base := newBaseConn(w, r)
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return &http10Conn{baseConn: base, limit: int(http10Limit.Bytes())}
	}
	return &streamConn{baseConn: base}
}

// baseConn implements request side and lifecycle of core.Conn.
type baseConn struct {
	req *http.Request
	w   http.ResponseWriter
	rc  *http.ResponseController

	mu      sync.Mutex
	ended   bool
	aborted bool
	done    chan struct{}
}

func newBaseConn(w http.ResponseWriter, r *http.Request) *baseConn {
	rc := http.NewResponseController(w)
	if r.ProtoMajor == 1 {
		// Progress lines are written to sender before its body is read.
		// Without full duplex net/http discards the unread body on first flush.
		_ = rc.EnableFullDuplex()
	}
	return &baseConn{req: r, w: w, rc: rc, done: make(chan struct{})}
}

func (c *baseConn) Method() string           { return c.req.Method }
func (c *baseConn) Path() string             { return c.req.URL.Path }
func (c *baseConn) Header() http.Header      { return c.req.Header }
func (c *baseConn) ContentLength() int64     { return c.req.ContentLength }
func (c *baseConn) Body() io.Reader          { return c.req.Body }
func (c *baseConn) Context() context.Context { return c.req.Context() }
func (c *baseConn) Done() <-chan struct{}    { return c.done }

func (c *baseConn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *baseConn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return
	}
	c.aborted = true
	close(c.done)
}

func (c *baseConn) CancelRead() {
	_ = c.rc.SetReadDeadline(time.Now())
}

func (c *baseConn) finishedLocked() bool {
	return c.ended || c.aborted
}

func (c *baseConn) endLocked() {
	c.ended = true
	close(c.done)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

// streamConn flushes every write to the peer.
type streamConn struct {
	*baseConn
	headSent bool
}

var _ core.Conn = (*streamConn)(nil)

func (c *streamConn) WriteHead(status int, h http.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return core.ErrConnEnded
	}
	if c.headSent {
		return nil
	}
	c.sendHeadLocked(status, h)
	return c.rc.Flush()
}

func (c *streamConn) sendHeadLocked(status int, h http.Header) {
	copyHeader(c.w.Header(), h)
	c.w.WriteHeader(status)
	c.headSent = true
}

func (c *streamConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return 0, core.ErrConnEnded
	}
	return c.writeLocked(p)
}

func (c *streamConn) writeLocked(p []byte) (int, error) {
	if !c.headSent {
		c.sendHeadLocked(http.StatusOK, nil)
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.rc.Flush()
}

func (c *streamConn) End(last []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return core.ErrConnEnded
	}
	var err error
	if len(last) > 0 || !c.headSent {
		_, err = c.writeLocked(last)
	}
	c.endLocked()
	return err
}

// http10Conn buffers response, because HTTP/1.0 has no chunked encoding.
// Response that outgrows the limit is streamed, and its end is signaled by
// connection close.
type http10Conn struct {
	*baseConn
	limit int

	status    int
	header    http.Header
	buf       bytes.Buffer
	streaming bool
}

var _ core.Conn = (*http10Conn)(nil)

func (c *http10Conn) WriteHead(status int, h http.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return core.ErrConnEnded
	}
	if c.status == 0 {
		c.status = status
		c.header = h.Clone()
	}
	return nil
}

func (c *http10Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return 0, core.ErrConnEnded
	}
	if c.streaming {
		return c.w.Write(p)
	}
	if c.buf.Len()+len(p) <= c.limit {
		return c.buf.Write(p)
	}
	c.streaming = true
	c.writeHeadLocked()
	if _, err := c.buf.WriteTo(c.w); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func (c *http10Conn) writeHeadLocked() {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	copyHeader(c.w.Header(), c.header)
	if !c.streaming {
		c.w.Header().Set("Content-Length", strconv.Itoa(c.buf.Len()))
	}
	c.w.WriteHeader(c.status)
}

func (c *http10Conn) End(last []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return core.ErrConnEnded
	}
	defer c.endLocked()
	if c.streaming {
		_, err := c.w.Write(last)
		return err
	}
	c.buf.Write(last)
	c.writeHeadLocked()
	_, err := c.buf.WriteTo(c.w)
	return err
}
