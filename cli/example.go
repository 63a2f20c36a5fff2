// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

// exampleConfig is default config in YAML.
const exampleConfig = `server:
  http-addr: ":8080"
  https:
    enabled: false
    addr: ":8443"
    key-path: ""
    crt-path: ""
  h2c: true
  read-header-timeout: 10s
  shutdown-timeout: 5s
  base-url: ""
  http10-buffer-limit: 64mb
relay:
  chunk-size: 16kb
  branch-buffer: 16
log:
  enabled: true
  level: info
  format: console
  outputs: [stdout]
  rotation:
    enabled: false
    max-size: 100mb
    max-backups: 3
    max-age-days: 7
    compress: false
journal:
  enabled: false
  sink: stdout
  queue-size: 1024
  flush-interval: 1s
  buffer-size: 64kb
telemetry:
  enabled: false
  output: stderr
  export-interval: 1m
  pretty-print: false
`
