// Package encoding turns raw source bytes into UTF-8 text for the text engine.
package encoding

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

const (
	sniffLen      = 512
	nullCheckLen  = 1024
	nullThreshold = 0.15
)

// textMIMETypes are sniffed content types treated as text in addition to text/*.
var textMIMETypes = map[string]bool{
	"application/json":         true,
	"application/xml":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"image/svg+xml":            true,
	"application/octet-stream": true, // decided by the null byte ratio
}

// EncodingHandler detects the character set of source content and decodes it to UTF-8.
type EncodingHandler interface {
	// DetectAndDecode returns content as UTF-8 together with the IANA name of the
	// source encoding and whether the detection was certain.
	DetectAndDecode(content []byte) (utf8Content []byte, detectedEncoding string, certain bool, err error)
	// IsBinary reports whether content looks like binary data rather than text.
	IsBinary(content []byte) bool
}

// Handler is the default EncodingHandler backed by golang.org/x/net/html/charset.
type Handler struct {
	fallback     encoding.Encoding
	fallbackName string
}

var _ EncodingHandler = (*Handler)(nil)

// NewHandler returns a Handler. defaultEncoding (e.g. "windows-1252") is used when
// detection is uncertain and the content is not valid UTF-8; an empty or unknown
// name disables the fallback.
func NewHandler(defaultEncoding string) *Handler {
	h := &Handler{}
	if defaultEncoding != "" {
		if enc, name := charset.Lookup(defaultEncoding); enc != nil {
			h.fallback, h.fallbackName = enc, name
		}
	}
	return h
}

// DetectAndDecode implements EncodingHandler. A byte order mark is stripped.
func (h *Handler) DetectAndDecode(content []byte) ([]byte, string, bool, error) {
	if len(content) == 0 {
		return content, "utf-8", true, nil
	}
	enc, name, certain := charset.DetermineEncoding(content, "text/plain")

	if !certain {
		if utf8.Valid(content) {
			return bytes.TrimPrefix(content, []byte("\xef\xbb\xbf")), "utf-8", true, nil
		}
		if h.fallback != nil {
			enc, name, certain = h.fallback, h.fallbackName, true
		}
	}
	if name == "utf-8" {
		return bytes.TrimPrefix(content, []byte("\xef\xbb\xbf")), name, certain, nil
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), content)
	if err != nil {
		return content, name, certain, fmt.Errorf("decoding %s content: %w", name, err)
	}
	return bytes.TrimPrefix(out, []byte("\xef\xbb\xbf")), name, certain, nil
}

// IsBinary implements EncodingHandler. Content is binary when its sniffed MIME type is
// not textual or more than 15% of its first KiB are NUL bytes.
func (h *Handler) IsBinary(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	if hasUTF16BOM(content) {
		return false
	}
	ct := http.DetectContentType(content[:min(len(content), sniffLen)])
	mimeType := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	if !strings.HasPrefix(mimeType, "text/") && !textMIMETypes[mimeType] {
		return true
	}
	head := content[:min(len(content), nullCheckLen)]
	return float64(bytes.Count(head, []byte{0}))/float64(len(head)) > nullThreshold
}

func hasUTF16BOM(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0xff, 0xfe}) || bytes.HasPrefix(b, []byte{0xfe, 0xff})
}
