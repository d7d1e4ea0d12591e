// Package detok turns a growing token sequence into newly revealed text.
package detok

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Decoder is the part of a tokenizer the incremental decoder needs.
type Decoder interface {
	Decode(ids []int32, skipSpecial bool) (string, error)
}

// Cursor holds the two offsets of a request. Text for ids[Prefix:Read] has
// already been emitted; ids[Prefix:Read] is kept as context so that the next
// decode sees the same leading bytes.
type Cursor struct {
	Prefix int
	Read   int
}

// Start positions a cursor right after a prompt of promptLen ids, keeping at
// most window ids of look-back.
func Start(promptLen, window int) Cursor {
	return Cursor{Prefix: max(promptLen-window, 0), Read: promptLen}
}

// Decode returns the text revealed by ids[read:] and the advanced offsets.
// When nothing complete is revealed yet, for instance because the tail ends
// inside a multi-byte character, it returns "" and the offsets unchanged.
func Decode(dec Decoder, ids []int32, prefix, read int) (string, int, int, error) {
	if prefix < 0 || prefix > read || read > len(ids) {
		return "", prefix, read, errors.Errorf("detok: bad offsets prefix=%d read=%d len=%d", prefix, read, len(ids))
	}
	if read == len(ids) {
		return "", prefix, read, nil
	}
	prefixText, err := dec.Decode(ids[prefix:read], false)
	if err != nil {
		return "", prefix, read, errors.Wrap(err, "detok: decode prefix")
	}
	newText, err := dec.Decode(ids[prefix:], false)
	if err != nil {
		return "", prefix, read, errors.Wrap(err, "detok: decode tail")
	}
	if len(newText) <= len(prefixText) || !strings.HasPrefix(newText, prefixText) {
		return "", prefix, read, nil
	}
	suffix := newText[len(prefixText):]
	if strings.HasSuffix(suffix, string(utf8.RuneError)) {
		return "", prefix, read, nil
	}
	return suffix, read, len(ids), nil
}

// Step advances c over ids and returns the revealed text.
func (c *Cursor) Step(dec Decoder, ids []int32) (string, error) {
	text, p, r, err := Decode(dec, ids, c.Prefix, c.Read)
	if err != nil {
		return "", err
	}
	c.Prefix, c.Read = p, r
	return text, nil
}
