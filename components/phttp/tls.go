// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package phttp

import (
	"crypto/tls"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LoadKeyPair reads PEM encoded certificate and private key from fs.
func LoadKeyPair(fs afero.Fs, crtPath, keyPath string) (tls.Certificate, error) {
	crt, err := afero.ReadFile(fs, crtPath)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "certificate read")
	}
	key, err := afero.ReadFile(fs, keyPath)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "private key read")
	}
	cert, err := tls.X509KeyPair(crt, key)
	return cert, errors.Wrap(err, "key pair parse")
}
