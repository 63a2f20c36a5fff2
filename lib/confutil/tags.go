// Copyright (c) 2023 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package confutil

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrNoTags              = errors.New("no tags found")
	ErrUnknownTagType      = errors.New("unknown tag type")
	ErrEnvNotSet           = errors.New("env variable not set")
	ErrCastFailed          = errors.New("can't cast variable")
	ErrUnsupportedCastKind = errors.New("unsupported kind")
)

// TagResolver returns value of variable referenced as ${type:name}.
type TagResolver func(name string) (string, error)

// DefaultTagType is used for tags without explicit type, like ${HOME}.
const DefaultTagType = "env"

var (
	resolversMu sync.RWMutex
	resolvers   = map[string]TagResolver{DefaultTagType: ResolveEnv}
)

// RegisterTagResolver registers resolver for tags of tagType. Existing resolver is replaced.
func RegisterTagResolver(tagType string, r TagResolver) {
	resolversMu.Lock()
	defer resolversMu.Unlock()
	resolvers[strings.ToLower(tagType)] = r
}

func lookupResolver(tagType string) (TagResolver, bool) {
	if tagType == "" {
		tagType = DefaultTagType
	}
	resolversMu.RLock()
	defer resolversMu.RUnlock()
	r, ok := resolvers[strings.ToLower(tagType)]
	return r, ok
}

func ResolveEnv(name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Wrap(ErrEnvNotSet, name)
	}
	return val, nil
}

var tagRegexp = regexp.MustCompile(`\$\{(?:([^}:]+?):)?([^{}]+?)\}`)

// ResolveTags substitutes all ${type:name} tags in s.
// When s consists of a single tag, the result is cast to target kind,
// so "${env:PORT}" may be decoded into int field.
// ErrNoTags is returned if s has no tags at all.
func ResolveTags(s string, target reflect.Type) (interface{}, error) {
	matches := tagRegexp.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, ErrNoTags
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		last = m[1]
		var tagType string
		if m[2] >= 0 {
			tagType = strings.TrimSpace(s[m[2]:m[3]])
		}
		name := strings.TrimSpace(s[m[4]:m[5]])
		resolve, ok := lookupResolver(tagType)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownTagType, "tag %q", s[m[0]:m[1]])
		}
		val, err := resolve(name)
		if err != nil {
			return nil, err
		}
		b.WriteString(val)
	}
	b.WriteString(s[last:])
	res := b.String()

	whole := len(matches) == 1 && strings.TrimSpace(s) == s[matches[0][0]:matches[0][1]]
	if !whole || target == nil {
		return res, nil
	}
	if target.Kind() != reflect.String {
		// Padding around single tag is insignificant for non-string values.
		res = strings.TrimSpace(res)
	}
	casted, err := cast(res, target)
	if errors.Is(err, ErrUnsupportedCastKind) {
		// Let other decode hooks handle durations, sizes and so on.
		return res, nil
	}
	return casted, err
}

func cast(v string, t reflect.Type) (interface{}, error) {
	switch t.Kind() {
	case reflect.String:
		return v, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, castErr(v, t)
		}
		return b, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		i, err := strconv.ParseInt(v, 0, t.Bits())
		if err != nil {
			return nil, castErr(v, t)
		}
		return reflect.ValueOf(i).Convert(t).Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(v, 0, t.Bits())
		if err != nil {
			return nil, castErr(v, t)
		}
		return reflect.ValueOf(u).Convert(t).Interface(), nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(v, t.Bits())
		if err != nil {
			return nil, castErr(v, t)
		}
		return reflect.ValueOf(f).Convert(t).Interface(), nil
	}
	// Int64 is left to hooks too: time.Duration is int64 kind.
	return nil, ErrUnsupportedCastKind
}

func castErr(v string, t reflect.Type) error {
	return fmt.Errorf("%q cast to %s failed: %w", v, t, ErrCastFailed)
}
