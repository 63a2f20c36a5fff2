// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package rendezvous

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	InvalidCount ErrorKind = iota + 1
	AlreadyEstablished
	DuplicateSender
	CountMismatch
	LimitReached
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidCount:
		return "invalid-count"
	case AlreadyEstablished:
		return "already-established"
	case DuplicateSender:
		return "duplicate-sender"
	case CountMismatch:
		return "count-mismatch"
	case LimitReached:
		return "limit-reached"
	}
	return "unknown"
}

// JoinError is a client error: the connection can't join path.
// Error message is shown to the client as is.
type JoinError struct {
	Kind ErrorKind
	Path string
	// Expected and Got are receiver counts, set for CountMismatch.
	// For InvalidCount Got is the parsed value, if any.
	Expected, Got int
	// Raw is the unparsable count value.
	Raw        string
	unparsable bool
}

func (e *JoinError) Error() string {
	switch e.Kind {
	case InvalidCount:
		if e.unparsable {
			return fmt.Sprintf("Invalid \"%s\" query parameter: %q", CountParam, e.Raw)
		}
		return fmt.Sprintf("n should > 0, but n = %d.", e.Got)
	case AlreadyEstablished:
		return fmt.Sprintf("Connection on '%s' has been established already.", e.Path)
	case DuplicateSender:
		return fmt.Sprintf("Another sender has been connected on '%s'.", e.Path)
	case CountMismatch:
		return fmt.Sprintf("The number of receivers should be %d but %d.", e.Expected, e.Got)
	case LimitReached:
		return "The number of receivers has reached limits."
	}
	return "join failed"
}

// IsJoinError reports whether err is caused by JoinError of kind.
func IsJoinError(err error, kind ErrorKind) bool {
	var je *JoinError
	return errors.As(err, &je) && je.Kind == kind
}
