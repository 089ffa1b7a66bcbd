package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText converts raw bytes to UTF-8. A declared charset wins; otherwise
// valid UTF-8 is kept as is and anything else goes through charset detection.
func decodeText(raw []byte, declared string) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)

	charset := strings.ToLower(strings.TrimSpace(declared))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		if utf8.Valid(raw) {
			return string(raw), nil
		}
		charset = detectCharset(raw)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", eris.Wrapf(err, "parser: unsupported charset %q", charset)
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", eris.Wrapf(err, "parser: decode %s", charset)
	}
	return string(out), nil
}

// detectCharset guesses the encoding of raw, defaulting to windows-1252 which
// accepts every byte sequence.
func detectCharset(raw []byte) string {
	res, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || res == nil || res.Charset == "" {
		return "windows-1252"
	}
	if _, err := htmlindex.Get(res.Charset); err != nil {
		return "windows-1252"
	}
	return res.Charset
}
