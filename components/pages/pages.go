// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package pages renders static pages served on reserved relay paths.
package pages

import (
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/yandex/piping/core"
)

const (
	IndexPath    = "/"
	NoScriptPath = "/noscript"
	VersionPath  = "/version"
	HelpPath     = "/help"
	FaviconPath  = "/favicon.ico"
	RobotsPath   = "/robots.txt"

	// NoScriptPathParam is query parameter with path prefilled in no-script form.
	NoScriptPathParam = "path"
)

var reserved = map[string]struct{}{
	IndexPath:    {},
	NoScriptPath: {},
	VersionPath:  {},
	HelpPath:     {},
	FaviconPath:  {},
	RobotsPath:   {},
}

// IsReserved reports whether path is served by pages and can't be used as pipe path.
func IsReserved(path string) bool {
	_, ok := reserved[path]
	return ok
}

type Renderer struct {
	version string
	index   []byte
}

func NewRenderer(version string) *Renderer {
	return &Renderer{
		version: version,
		index:   []byte(fmt.Sprintf(indexHTMLTemplate, html.EscapeString(version))),
	}
}

func (p *Renderer) IsReserved(path string) bool { return IsReserved(path) }

// Serve writes reserved path page. baseURL is absolute relay URL used in
// usage examples.
func (p *Renderer) Serve(w http.ResponseWriter, r *http.Request, baseURL string) {
	switch r.URL.Path {
	case IndexPath:
		write(w, http.StatusOK, "text/html", p.index, false)
	case NoScriptPath:
		path := r.URL.Query().Get(NoScriptPathParam)
		write(w, http.StatusOK, "text/html", NoScriptHTML(path), false)
	case VersionPath:
		write(w, http.StatusOK, "text/plain", []byte(p.version+"\n"), true)
	case HelpPath:
		write(w, http.StatusOK, "text/plain", HelpText(p.version, baseURL), true)
	case FaviconPath:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func write(w http.ResponseWriter, status int, contentType string, body []byte, cors bool) {
	h := w.Header()
	if cors {
		h.Set(core.AllowOriginHeader, "*")
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// NoScriptHTML is upload form that works without JavaScript.
func NoScriptHTML(path string) []byte {
	path = strings.TrimPrefix(path, "/")
	return []byte(fmt.Sprintf(noScriptHTMLTemplate, html.EscapeString(path)))
}

func HelpText(version, baseURL string) []byte {
	return []byte(fmt.Sprintf(helpTemplate, version, baseURL))
}
