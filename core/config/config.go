// Copyright (c) 2016 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package config decodes untyped config trees, as read by viper, into
// config structs and validates them.
package config

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// TagName is struct tag with config key.
const TagName = "config"

// Decode decodes conf into result. Fields not present in conf keep their
// values, so result should be filled with defaults before decode.
// Unknown keys are errors.
func Decode(conf interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(Hooks()...),
		ErrorUnused:      true,
		ZeroFields:       false,
		WeaklyTypedInput: false,
		TagName:          TagName,
		Result:           result,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(decoder.Decode(conf))
}

func DecodeAndValidate(conf interface{}, result interface{}) error {
	err := Decode(conf, result)
	if err != nil {
		return err
	}
	return Validate(result)
}

// Hooks returns decode hooks in order of application.
func Hooks() []mapstructure.DecodeHookFunc {
	return []mapstructure.DecodeHookFunc{
		VariableInjectHook,
		DebugHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StringToURLHook,
		IntToDataSizeHook,
		TextUnmarshalerHook,
	}
}
