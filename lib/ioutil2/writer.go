// Copyright (c) 2018 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package ioutil2

import (
	"io"

	"go.uber.org/atomic"
)

// NopWriteCloser wraps writer that should not be closed by its user, like os.Stdout.
func NopWriteCloser(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// CountingWriter counts bytes successfully written to the underlying writer.
// Count is safe to call concurrently with Write.
type CountingWriter struct {
	W     io.Writer
	count atomic.Int64
}

func (w *CountingWriter) Write(p []byte) (int, error) {
	n, err := w.W.Write(p)
	w.count.Add(int64(n))
	return n, err
}

func (w *CountingWriter) Count() int64 { return w.count.Load() }
