// Copyright (c) 2016 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"gopkg.in/bluesuncorp/validator.v9"
)

var defaultValidator = newValidator()

// Validate validates struct by `validate` tags.
// Besides validator.v9 builtins, supported tags are min-time, max-time,
// min-size, max-size, endpoint and oneof.
func Validate(value interface{}) error {
	return errors.WithStack(defaultValidator.Struct(value))
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.SetTagName("validate")
	for key, fn := range map[string]validator.Func{
		"min-time": func(fl validator.FieldLevel) bool {
			return compareTime(fl, func(v, p time.Duration) bool { return v >= p })
		},
		"max-time": func(fl validator.FieldLevel) bool {
			return compareTime(fl, func(v, p time.Duration) bool { return v <= p })
		},
		"min-size": func(fl validator.FieldLevel) bool {
			return compareSize(fl, func(v, p datasize.ByteSize) bool { return v >= p })
		},
		"max-size": func(fl validator.FieldLevel) bool {
			return compareSize(fl, func(v, p datasize.ByteSize) bool { return v <= p })
		},
		"endpoint": func(fl validator.FieldLevel) bool {
			s, ok := fl.Field().Interface().(string)
			return ok && IsEndpoint(s)
		},
		"oneof": isOneOf,
	} {
		if err := validate.RegisterValidation(key, fn); err != nil {
			panic(err)
		}
	}
	return validate
}

// isOneOf checks that field formatted value is one of space separated params.
func isOneOf(fl validator.FieldLevel) bool {
	value := fmt.Sprint(fl.Field().Interface())
	for _, p := range strings.Fields(fl.Param()) {
		if value == p {
			return true
		}
	}
	return false
}

func compareTime(fl validator.FieldLevel, cmp func(value, param time.Duration) bool) bool {
	param, err := time.ParseDuration(fl.Param())
	if err != nil {
		return false
	}
	v, ok := fl.Field().Interface().(time.Duration)
	return ok && cmp(v, param)
}

func compareSize(fl validator.FieldLevel, cmp func(value, param datasize.ByteSize) bool) bool {
	var param datasize.ByteSize
	if err := param.UnmarshalText([]byte(fl.Param())); err != nil {
		return false
	}
	v, ok := fl.Field().Interface().(datasize.ByteSize)
	return ok && cmp(v, param)
}

// IsEndpoint checks "host:port" or ":port".
func IsEndpoint(value string) bool {
	host, port, err := net.SplitHostPort(value)
	return err == nil &&
		(host == "" || govalidator.IsHost(host)) &&
		govalidator.IsPort(port)
}
