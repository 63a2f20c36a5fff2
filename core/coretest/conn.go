// Copyright (c) 2018 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package coretest contains in-memory core.Conn for relay tests.
package coretest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/yandex/piping/core"
)

var ErrReadCanceled = errors.New("read canceled")

// Conn records everything written to it.
type Conn struct {
	method string
	path   string
	header http.Header
	body   io.Reader
	pr     *io.PipeReader

	ctx    context.Context
	cancel context.CancelFunc

	// BeforeWrite, if set, is called before each body Write. It can block
	// to simulate slow peer or return error to simulate broken connection.
	BeforeWrite func(p []byte) error

	mu           sync.Mutex
	changed      chan struct{}
	status       int
	respHeader   http.Header
	out          bytes.Buffer
	ended        bool
	aborted      bool
	readCanceled bool
	doneOnce     sync.Once
	done         chan struct{}
}

var _ core.Conn = (*Conn)(nil)

func newConn(method, path string, header http.Header, body io.Reader) *Conn {
	if header == nil {
		header = http.Header{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		method:  method,
		path:    path,
		header:  header,
		body:    body,
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NewSender returns sender connection with fixed body.
func NewSender(path string, header http.Header, body string) *Conn {
	return newConn(http.MethodPost, path, header, strings.NewReader(body))
}

// NewStreamingSender returns sender connection whose body is fed through returned writer.
// CancelRead closes the pipe with ErrReadCanceled.
func NewStreamingSender(path string, header http.Header) (*Conn, *io.PipeWriter) {
	pr, pw := io.Pipe()
	c := newConn(http.MethodPost, path, header, pr)
	c.pr = pr
	return c, pw
}

func NewReceiver(path string) *Conn {
	return newConn(http.MethodGet, path, nil, http.NoBody)
}

func (c *Conn) Method() string           { return c.method }
func (c *Conn) Path() string             { return c.path }
func (c *Conn) Header() http.Header      { return c.header }
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) ContentLength() int64 {
	cl, err := strconv.ParseInt(c.header.Get("Content-Length"), 10, 64)
	if err != nil {
		return -1
	}
	return cl
}

func (c *Conn) Body() io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if c.ReadCanceled() {
			return 0, ErrReadCanceled
		}
		return c.body.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Disconnect simulates peer going away.
func (c *Conn) Disconnect() { c.cancel() }

func (c *Conn) WriteHead(status int, h http.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.aborted {
		return core.ErrConnEnded
	}
	if c.status == 0 {
		c.status = status
		c.respHeader = h.Clone()
		c.notify()
	}
	return nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.BeforeWrite != nil {
		if err := c.BeforeWrite(p); err != nil {
			return 0, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.aborted {
		return 0, core.ErrConnEnded
	}
	if c.status == 0 {
		c.status = http.StatusOK
		c.respHeader = http.Header{}
	}
	c.out.Write(p)
	c.notify()
	return len(p), nil
}

func (c *Conn) End(last []byte) error {
	if len(last) > 0 {
		if _, err := c.Write(last); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.aborted {
		return core.ErrConnEnded
	}
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.ended = true
	c.notify()
	c.finish()
	return nil
}

func (c *Conn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.aborted {
		return
	}
	c.aborted = true
	c.notify()
	c.finish()
}

func (c *Conn) CancelRead() {
	c.mu.Lock()
	c.readCanceled = true
	c.mu.Unlock()
	if c.pr != nil {
		_ = c.pr.CloseWithError(ErrReadCanceled)
	}
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// notify wakes WaitOutput callers. Must be called under mu.
func (c *Conn) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Conn) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) ResponseHeader() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respHeader.Clone()
}

func (c *Conn) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *Conn) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Conn) ReadCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCanceled
}

// WaitOutput waits until output contains substr. Returns false on timeout.
func (c *Conn) WaitOutput(substr string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		found := strings.Contains(c.out.String(), substr)
		changed := c.changed
		c.mu.Unlock()
		if found {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}
