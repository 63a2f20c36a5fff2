// Copyright (c) 2018 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package zaputil

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type stackTracer interface {
	error
	StackTrace() errors.StackTrace
}

// NewStackExtractCore returns core that moves stack traces of
// github.com/pkg/errors errors from error fields to zapcore.Entry.Stack.
// Console encoder prints the entry stack on separate lines, which keeps
// traces readable.
func NewStackExtractCore(c zapcore.Core) zapcore.Core {
	return &stackExtractCore{Core: c}
}

type stackExtractCore struct {
	zapcore.Core
	stacks []string // extracted from fields passed to With
}

func (c *stackExtractCore) With(fields []zapcore.Field) zapcore.Core {
	fields, stacks := extractStacks(fields)
	return &stackExtractCore{
		Core:   c.Core.With(fields),
		stacks: append(append([]string(nil), c.stacks...), stacks...),
	}
}

func (c *stackExtractCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *stackExtractCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	fields, stacks := extractStacks(fields)
	stacks = append(append([]string(nil), c.stacks...), stacks...)
	if len(stacks) != 0 {
		if ent.Stack != "" {
			stacks = append(stacks, ent.Stack)
		}
		ent.Stack = strings.Join(stacks, "\n")
	}
	return c.Core.Write(ent, fields)
}

// extractStacks replaces stacked errors with their messages.
// Fields slice is copied before modification.
func extractStacks(fields []zapcore.Field) ([]zapcore.Field, []string) {
	var stacks []string
	copied := false
	for i, f := range fields {
		if f.Type != zapcore.ErrorType {
			continue
		}
		st, ok := f.Interface.(stackTracer)
		if !ok {
			continue
		}
		if !copied {
			fields = append([]zapcore.Field(nil), fields...)
			copied = true
		}
		fields[i] = zap.String(f.Key, st.Error())
		stacks = append(stacks, fmt.Sprintf("%s stacktrace:%+v", f.Key, st.StackTrace()))
	}
	return fields, stacks
}
