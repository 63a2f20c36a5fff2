// Copyright (c) 2018 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package journal

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/yandex/piping/core"
	"github.com/yandex/piping/lib/ioutil2"
)

// NewSink returns sink for destination: "stdout", "stderr" or file path.
// File is truncated on open.
func NewSink(fs afero.Fs, dest string) core.DataSink {
	switch dest {
	case "stdout":
		return stdSink{os.Stdout}
	case "stderr":
		return stdSink{os.Stderr}
	}
	return &fileSink{afero.Afero{Fs: fs}, dest}
}

type fileSink struct {
	fs   afero.Afero
	path string
}

func (s *fileSink) OpenSink() (io.WriteCloser, error) {
	return s.fs.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

// stdSink never closes the underlying file.
type stdSink struct{ w io.Writer }

func (s stdSink) OpenSink() (io.WriteCloser, error) {
	return ioutil2.NopWriteCloser(s.w), nil
}

// Buffer is in-memory sink, safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

var _ core.DataSink = &Buffer{}

func (b *Buffer) OpenSink() (io.WriteCloser, error) { return b, nil }

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
