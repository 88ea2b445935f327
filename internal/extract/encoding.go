package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// ErrUnknownEncoding is returned for encoding names that cannot be decoded.
var ErrUnknownEncoding = errors.New("unknown text encoding")

// ErrInvalidUTF8 is returned when UTF-8 content contains invalid byte sequences.
var ErrInvalidUTF8 = errors.New("content is not valid UTF-8")

// Names commonly written in connector files that are not IANA aliases.
var encodingAliases = map[string]encoding.Encoding{
	"latin-1":   charmap.ISO8859_1,
	"latin_1":   charmap.ISO8859_1,
	"utf8":      unicode.UTF8,
	"utf-8-sig": unicode.UTF8BOM,
	"cp1252":    charmap.Windows1252,
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return unicode.UTF8, nil
	}

	if enc, ok := encodingAliases[key]; ok {
		return enc, nil
	}

	enc, err := ianaindex.IANA.Encoding(key)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}

	return enc, nil
}

// decodeText converts raw file bytes to UTF-8 text.
func decodeText(raw []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}

	if enc == unicode.UTF8 {
		if !utf8.Valid(raw) {
			return "", ErrInvalidUTF8
		}

		return string(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))), nil
	}

	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}

	return string(decoded), nil
}
