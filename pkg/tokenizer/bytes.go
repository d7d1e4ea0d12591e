package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// ByteEOS is the end-of-sequence id of the byte tokenizer.
const ByteEOS int32 = 256

// ByteVocabSize is the vocabulary size of the byte tokenizer.
const ByteVocabSize = 257

const byteEOSText = "<|endoftext|>"

type byteTokenizer struct{}

// NewBytes returns a tokenizer that maps every byte to its own id and adds a
// single end-of-sequence token. It needs no files and is used when a model
// directory ships no tokenizer.json.
func NewBytes() Tokenizer { return byteTokenizer{} }

func (byteTokenizer) Encode(text string, truncate int) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for len(text) > 0 {
		if strings.HasPrefix(text, byteEOSText) {
			ids = append(ids, ByteEOS)
			text = text[len(byteEOSText):]
			continue
		}
		ids = append(ids, int32(text[0]))
		text = text[1:]
	}
	return Truncate(ids, truncate), nil
}

func (byteTokenizer) Decode(ids []int32, skipSpecial bool) (string, error) {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		switch {
		case id == ByteEOS:
			if !skipSpecial {
				buf = append(buf, byteEOSText...)
			}
		case id >= 0 && id < 256:
			buf = append(buf, byte(id))
		}
	}
	return strings.ToValidUTF8(string(buf), string(utf8.RuneError)), nil
}

func (b byteTokenizer) BatchDecode(seqs [][]int32, skipSpecial bool) ([]string, error) {
	return batchDecode(b, seqs, skipSpecial)
}

func (byteTokenizer) IsSpecial(id int32) bool { return id == ByteEOS }

func (byteTokenizer) SpecialIDs() []int32 { return []int32{ByteEOS} }

func (byteTokenizer) EOS() []int32 { return []int32{ByteEOS} }
