// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package rendezvous

import (
	"net/url"
	"strconv"
	"strings"
)

// CountParam is query parameter with number of receivers.
const CountParam = "n"

const DefaultCount = 1

// ParseCount returns number of receivers requested by query.
// Absent parameter means DefaultCount. Value must be decimal integer
// greater than zero, otherwise InvalidCount JoinError is returned.
func ParseCount(query url.Values) (int, error) {
	if _, ok := query[CountParam]; !ok {
		return DefaultCount, nil
	}
	raw := strings.TrimSpace(query.Get(CountParam))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &JoinError{Kind: InvalidCount, Raw: raw, unparsable: true}
	}
	if n <= 0 {
		return 0, &JoinError{Kind: InvalidCount, Got: n}
	}
	return n, nil
}
