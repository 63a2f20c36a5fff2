// Copyright (c) 2018 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package errutil

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type StackTracer interface {
	StackTrace() errors.StackTrace
}

// Join returns nil if both errors are nil, the other error if one of them
// is nil, and multierror of both otherwise.
func Join(err1, err2 error) error {
	switch {
	case err1 == nil:
		return err2
	case err2 == nil:
		return err1
	default:
		return multierror.Append(err1, err2)
	}
}

// IsCtxError returns true if err is nil or is caused by ctx cancellation.
// Errors wrapped by github.com/pkg/errors and by fmt.Errorf("%w") are both unwrapped.
func IsCtxError(ctx context.Context, err error) bool {
	if err == nil {
		return true
	}
	select {
	case <-ctx.Done():
		return errors.Is(err, ctx.Err()) || errors.Cause(err) == ctx.Err()
	default:
		return false
	}
}
