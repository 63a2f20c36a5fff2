// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
)

const reportInterval = 10 * time.Second

// startReport logs relay state each interval until ctx is done.
func startReport(ctx context.Context, log *zap.Logger, m Metrics, interval time.Duration) {
	r := newReporter(m, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Sugar().Infof("[RELAY] %s", r.report())
		}
	}
}

type reporter struct {
	m        Metrics
	interval time.Duration

	transfers int64
	bytes     int64
}

func newReporter(m Metrics, interval time.Duration) *reporter {
	return &reporter{
		m:         m,
		interval:  interval,
		transfers: m.Transfer.Started.Get(),
		bytes:     m.Transfer.BytesSent.Get(),
	}
}

func (r *reporter) report() string {
	transfers := r.m.Transfer.Started.Get()
	bytes := r.m.Transfer.BytesSent.Get()
	bytesPS := int64(float64(bytes-r.bytes) / r.interval.Seconds())
	started := transfers - r.transfers
	r.transfers, r.bytes = transfers, bytes
	r.m.BytesPS.Set(bytesPS)
	return fmt.Sprintf("%d pending; %d established; %d started; %s/s sent",
		r.m.Registry.PendingPaths.Get(),
		r.m.Registry.EstablishedPaths.Get(),
		started,
		datasize.ByteSize(bytesPS).HR(),
	)
}
