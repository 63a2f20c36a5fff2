// Copyright (c) 2016 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package config

import (
	"encoding"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/c2h5oh/datasize"
	"github.com/facebookgo/stack"
	"github.com/facebookgo/stackerr"
	"github.com/spf13/afero"

	"github.com/yandex/piping/lib/confutil"
)

var ErrInvalidURL = errors.New("string is not valid URL")

// Debug enables DebugHook output.
var Debug = false

// DebugOutput is where DebugHook writes.
var DebugOutput io.Writer = os.Stderr

var (
	urlPtrType      = reflect.TypeOf(&url.URL{})
	urlType         = reflect.TypeOf(url.URL{})
	dataSizeType    = reflect.TypeOf(datasize.B)
	unmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

func init() {
	confutil.RegisterTagResolver("file", FileTagResolver(afero.NewOsFs()))
}

// FileTagResolver resolves ${file:path} tags to file content without trailing
// newlines. Useful for secrets mounted as files.
func FileTagResolver(fs afero.Fs) confutil.TagResolver {
	return func(name string) (string, error) {
		data, err := afero.ReadFile(fs, name)
		if err != nil {
			return "", fmt.Errorf("tag file read: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

// VariableInjectHook substitutes ${env:NAME} like tags in strings.
// See confutil.ResolveTags.
func VariableInjectHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	res, err := confutil.ResolveTags(data.(string), t)
	if errors.Is(err, confutil.ErrNoTags) {
		return data, nil
	}
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return res, nil
}

// StringToURLHook converts string to url.URL or *url.URL.
func StringToURLHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || (t != urlPtrType && t != urlType) {
		return data, nil
	}
	str := data.(string)
	if !govalidator.IsURL(str) {
		return nil, stackerr.Wrap(fmt.Errorf("%w: %q", ErrInvalidURL, str))
	}
	u, err := url.Parse(str)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	if t == urlType {
		return *u, nil
	}
	return u, nil
}

// IntToDataSizeHook treats integer as number of bytes.
func IntToDataSizeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != dataSizeType {
		return data, nil
	}
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v := reflect.ValueOf(data).Int()
		if v < 0 {
			return nil, stackerr.Newf("negative data size %d", v)
		}
		return datasize.ByteSize(v), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return datasize.ByteSize(reflect.ValueOf(data).Uint()), nil
	}
	return data, nil
}

// TextUnmarshalerHook decodes string into types implementing encoding.TextUnmarshaler,
// such as datasize.ByteSize or zapcore.Level.
func TextUnmarshalerHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || !reflect.PtrTo(t).Implements(unmarshalerType) {
		return data, nil
	}
	ptr := reflect.New(t)
	err := ptr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(data.(string)))
	if err != nil {
		return nil, stackerr.Wrap(fmt.Errorf("%q decode into %s failed: %w", data, t, err))
	}
	return ptr.Elem().Interface(), nil
}

// DebugHook prints decode tree, when Debug is set.
func DebugHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if !Debug {
		return data, nil
	}
	var depth int
	for _, caller := range stack.Callers(2) {
		if caller.Name == "(*Decoder).decode" {
			depth++
		}
	}
	_, _ = fmt.Fprintf(DebugOutput, "%s%s from %s %v\n", strings.Repeat("    ", depth), t, f, data)
	return data, nil
}
