// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/yandex/piping/core"
)

// Metadata is forwarded from sender to every receiver.
type Metadata struct {
	// ContentLength is passed verbatim. Empty if unknown.
	ContentLength      string
	ContentType        string
	ContentDisposition string
	// Piping are X-Piping header values in order.
	Piping []string
}

// Header builds receiver response headers.
func (m Metadata) Header() http.Header {
	h := http.Header{}
	if m.ContentLength != "" {
		h.Set("Content-Length", m.ContentLength)
	}
	if m.ContentType != "" {
		h.Set("Content-Type", NormalizeContentType(m.ContentType))
	}
	if m.ContentDisposition != "" {
		h.Set("Content-Disposition", m.ContentDisposition)
	}
	if len(m.Piping) != 0 {
		h[core.MetaHeader] = append([]string(nil), m.Piping...)
		h.Set(core.ExposeHeadersHeader, core.MetaHeader)
	}
	h.Set(core.AllowOriginHeader, "*")
	h.Set(core.RobotsHeader, "none")
	return h
}

// NormalizeContentType replaces text/html media type with text/plain,
// keeping parameters, so relayed content is never rendered as page of relay origin.
// Comparison is case-insensitive. Other types are returned as is.
func NormalizeContentType(ct string) string {
	trimmed := strings.TrimLeft(ct, " \t")
	mediaType, params := trimmed, ""
	if i := strings.IndexByte(trimmed, ';'); i >= 0 {
		mediaType, params = trimmed[:i], trimmed[i:]
	}
	if strings.EqualFold(strings.TrimRight(mediaType, " \t"), "text/html") {
		return "text/plain" + params
	}
	return ct
}

// Source is sender payload with its metadata.
type Source struct {
	Body     io.Reader
	Metadata Metadata
}

// OpenSource returns sender payload. For multipart/form-data requests the
// payload is the first part, whatever its field name is, and metadata is
// taken from the part headers. X-Piping always comes from request headers.
func OpenSource(conn core.Conn) (Source, error) {
	h := conn.Header()
	src := Source{
		Body: conn.Body(),
		Metadata: Metadata{
			ContentType:        h.Get("Content-Type"),
			ContentDisposition: h.Get("Content-Disposition"),
			Piping:             h.Values(core.MetaHeader),
		},
	}
	src.Metadata.ContentLength = h.Get("Content-Length")
	if src.Metadata.ContentLength == "" {
		if cl := conn.ContentLength(); cl >= 0 {
			src.Metadata.ContentLength = strconv.FormatInt(cl, 10)
		}
	}

	boundary, ok := multipartBoundary(src.Metadata.ContentType)
	if !ok {
		return src, nil
	}
	// NextRawPart doesn't decode quoted-printable, payload is relayed as is.
	part, err := multipart.NewReader(conn.Body(), boundary).NextRawPart()
	if err != nil {
		return Source{}, errors.Wrap(err, "multipart first part read failed")
	}
	src.Body = part
	src.Metadata.ContentLength = part.Header.Get("Content-Length")
	src.Metadata.ContentType = part.Header.Get("Content-Type")
	src.Metadata.ContentDisposition = part.Header.Get("Content-Disposition")
	return src, nil
}

func multipartBoundary(contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		return "", false
	}
	boundary := params["boundary"]
	return boundary, boundary != ""
}
