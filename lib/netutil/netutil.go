// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package netutil

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// IsDisconnect reports whether err means that the peer went away or the
// connection was torn down locally, as opposed to a protocol or server error.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, http.ErrHandlerTimeout),
		errors.Is(err, http.ErrAbortHandler),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Code == http2.ErrCodeCancel || streamErr.Code == http2.ErrCodeStreamClosed
	}
	var goAway http2.GoAwayError
	return errors.As(err, &goAway)
}

// Listen announces on the local TCP address. Port 0 selects an ephemeral port.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %q", addr)
	}
	return l, nil
}
