// Package mimeinfo answers the two MIME questions the folder engine asks
// about message content: whether a content type must be treated as opaque
// bytes, and which transfer encoding to prefer when writing it. It does
// no charset or transfer-encoding conversion; that stays outside the
// engine.
package mimeinfo

import (
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/infodancer/mailfolder"
)

// Info classifies content types. The zero value is ready to use.
type Info struct{}

var _ mailfolder.ContentInfo = Info{}

// New returns a content classifier.
func New() Info { return Info{} }

// textualSubtypes are application subtypes that are text in practice.
var textualSubtypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/xml":        true,
	"application/x-sh":       true,
	"application/pgp-keys":   true,
}

// IsBinary reports whether content of the given type must be treated as
// opaque bytes rather than text lines. An unparseable content type is
// treated as text, matching the RFC 2045 default of text/plain.
func (Info) IsBinary(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	mt = strings.ToLower(mt)
	switch {
	case strings.HasPrefix(mt, "text/"),
		strings.HasPrefix(mt, "message/"),
		strings.HasPrefix(mt, "multipart/"):
		return !knownCharset(params["charset"])
	case textualSubtypes[mt],
		strings.HasSuffix(mt, "+xml"),
		strings.HasSuffix(mt, "+json"):
		return false
	default:
		return true
	}
}

// PreferredEncoding returns the transfer encoding to use when writing
// content of the given type: 7bit for plain ASCII text, quoted-printable
// for other text, base64 for everything binary.
func (i Info) PreferredEncoding(contentType string) string {
	if i.IsBinary(contentType) {
		return "base64"
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "7bit"
	}
	switch strings.ToLower(params["charset"]) {
	case "", "us-ascii", "ascii":
		return "7bit"
	default:
		return "quoted-printable"
	}
}

// knownCharset reports whether name is a charset the message ecosystem
// can decode. Text in an undecodable charset is safer handled as bytes.
func knownCharset(name string) bool {
	if name == "" {
		return true // absent charset defaults to us-ascii
	}
	_, err := charset.Reader(name, strings.NewReader(""))
	return err == nil
}
