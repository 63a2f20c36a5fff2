// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package main

import "github.com/yandex/piping/cli"

func main() {
	cli.Run()
}
