package linemap

import (
	"bytes"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/transform"
)

// Encoding identifies how a stream's bytes map to characters. Only the
// encodings distinguishable by byte-order mark are represented; anything
// else is handled as UTF-8.
type Encoding int

const (
	UTF8 Encoding = iota
	UTF16LE
	UTF16BE
	UTF32LE
	UTF32BE
)

func (e Encoding) String() string {
	switch e {
	case UTF16LE:
		return "UTF-16LE"
	case UTF16BE:
		return "UTF-16BE"
	case UTF32LE:
		return "UTF-32LE"
	case UTF32BE:
		return "UTF-32BE"
	default:
		return "UTF-8"
	}
}

// UnitSize is the code unit width in bytes. Line terminators occupy
// whole code units, never single bytes, in the wide encodings.
func (e Encoding) UnitSize() int {
	switch e {
	case UTF16LE, UTF16BE:
		return 2
	case UTF32LE, UTF32BE:
		return 4
	default:
		return 1
	}
}

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
	bomUTF32LE = []byte{0xFF, 0xFE, 0x00, 0x00}
	bomUTF32BE = []byte{0x00, 0x00, 0xFE, 0xFF}
)

// DetectBOM inspects up to the first 4 bytes of prefix. The UTF-32LE
// mark starts with the UTF-16LE mark, so the longer one is tested first.
func DetectBOM(prefix []byte) (enc Encoding, bomLen int, found bool) {
	switch {
	case bytes.HasPrefix(prefix, bomUTF32LE):
		return UTF32LE, 4, true
	case bytes.HasPrefix(prefix, bomUTF32BE):
		return UTF32BE, 4, true
	case bytes.HasPrefix(prefix, bomUTF8):
		return UTF8, 3, true
	case bytes.HasPrefix(prefix, bomUTF16LE):
		return UTF16LE, 2, true
	case bytes.HasPrefix(prefix, bomUTF16BE):
		return UTF16BE, 2, true
	}
	return UTF8, 0, false
}

func (e Encoding) decoder() *encoding.Decoder {
	switch e {
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	case UTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	case UTF32LE:
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM).NewDecoder()
	case UTF32BE:
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM).NewDecoder()
	default:
		return unicode.UTF8.NewDecoder()
	}
}

// Decode converts raw bytes in the given encoding to a Go string.
// Malformed sequences are replaced, not rejected.
func Decode(b []byte, enc Encoding) (string, error) {
	out, _, err := transform.Bytes(enc.decoder(), b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodeReader wraps r so reads yield UTF-8.
func DecodeReader(r io.Reader, enc Encoding) io.Reader {
	return transform.NewReader(r, enc.decoder())
}
