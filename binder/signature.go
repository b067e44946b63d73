package binder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Signature errors
var (
	ErrEmptySignature   = errors.New("empty signature")
	ErrSignatureTooBig  = errors.New("signature image too large")
	ErrBadDataURL       = errors.New("malformed data url")
	ErrUnsupportedImage = errors.New("unsupported signature image type")
)

var supportedTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

// Signature is one captured signature image.
type Signature struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// Open returns a reader over the encoded image.
func (s *Signature) Open() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.Data))
}

// NewSignature wraps encoded image bytes or a data: URL as a Signature.
func NewSignature(data []byte) (*Signature, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptySignature
	}

	mimeType := ""
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("data:")) {
		var err error
		mimeType, data, err = ParseDataURL(string(bytes.TrimSpace(data)))
		if err != nil {
			return nil, err
		}
	}
	if sniffed := http.DetectContentType(data); mimeType == "" || mimeType != sniffed {
		mimeType = sniffed
	}
	if !supportedTypes[mimeType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mimeType)
	}
	return &Signature{ID: uuid.NewString(), MIMEType: mimeType, Data: data}, nil
}

// ReadSignature reads at most max bytes from r and closes it.
func ReadSignature(r io.ReadCloser, max int64) (*Signature, error) {
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrSignatureTooBig, max)
	}
	return NewSignature(data)
}

// ParseDataURL decodes an RFC 2397 data URL, as produced by canvas.toDataURL.
func ParseDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: scheme", ErrBadDataURL)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing comma", ErrBadDataURL)
	}

	isBase64 := false
	mimeType := "text/plain"
	for i, part := range strings.Split(meta, ";") {
		switch {
		case i == 0 && part != "":
			mimeType = strings.ToLower(part)
		case part == "base64":
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		payload = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		var err error
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrBadDataURL, err)
		}
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrBadDataURL, err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return "", nil, ErrEmptySignature
	}
	return mimeType, data, nil
}
