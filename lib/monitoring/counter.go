// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package monitoring

import (
	"expvar"
	"strconv"

	"go.uber.org/atomic"
)

// Counter is an int64 expvar variable. It is used both for monotonic counters
// and for gauges, such as number of pending paths.
type Counter struct {
	i atomic.Int64
}

var _ expvar.Var = (*Counter)(nil)

func (c *Counter) String() string {
	return strconv.FormatInt(c.i.Load(), 10)
}

func (c *Counter) Add(delta int64) {
	c.i.Add(delta)
}

func (c *Counter) Inc() { c.i.Inc() }

func (c *Counter) Dec() { c.i.Dec() }

func (c *Counter) Set(value int64) {
	c.i.Store(value)
}

func (c *Counter) Get() int64 {
	return c.i.Load()
}

// NewCounter creates counter and publishes it in expvar under name.
// Counter with empty name is not published, that is useful in tests,
// where expvar.Publish panics on duplicate names.
func NewCounter(name string) *Counter {
	v := &Counter{}
	if name != "" {
		expvar.Publish(name, v)
	}
	return v
}
