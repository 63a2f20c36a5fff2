// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package core defines piping relay abstractions.
// Protocol adapters normalize client connections to Conn, rendezvous layer
// pairs them into Pipe, and transfer engine streams sender body to receivers.
package core

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// Role of a connection on a path.
type Role int

const (
	Sender Role = iota
	Receiver
)

func (r Role) String() string {
	switch r {
	case Sender:
		return "sender"
	case Receiver:
		return "receiver"
	}
	return "unknown"
}

// Header names used by relay.
const (
	// MetaHeader carries opaque sender metadata. Its values are forwarded
	// to every receiver in order.
	MetaHeader          = "X-Piping"
	RobotsHeader        = "X-Robots-Tag"
	AllowOriginHeader   = "Access-Control-Allow-Origin"
	ExposeHeadersHeader = "Access-Control-Expose-Headers"
)

var ErrConnEnded = errors.New("connection response already ended")

// Conn is client connection normalized by protocol adapter.
// Request side accessors are safe to call at any time.
// Response side methods are goroutine safe: relay writes informational
// lines to sender from handlers of other connections.
type Conn interface {
	Method() string
	// Path is request path without query.
	Path() string
	Header() http.Header
	// ContentLength of request body, or -1 if unknown.
	ContentLength() int64
	Body() io.Reader
	// Context is canceled when peer disconnects.
	Context() context.Context

	// WriteHead sends status and headers. Only the first call has effect.
	WriteHead(status int, h http.Header) error
	// Write writes response body chunk and flushes it to the peer.
	// Head with status 200 is sent implicitly.
	// ErrConnEnded is returned after End or Abort.
	Write(p []byte) (int, error)
	// End writes optional last chunk and completes response normally.
	End(last []byte) error
	// Abort tears the connection down without completing the response.
	Abort()
	// CancelRead unblocks pending and future reads of request body.
	CancelRead()
	// Done is closed after End or Abort.
	Done() <-chan struct{}
	Aborted() bool
}

// Pipe is established path: one sender and exactly n receivers.
type Pipe struct {
	Path      string
	Sender    Conn
	Receivers []Conn
}

// DataSink is a destination for journal and other serialized output.
type DataSink interface {
	OpenSink() (wc io.WriteCloser, err error)
}
