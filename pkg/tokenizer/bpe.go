package tokenizer

import (
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
)

// bpeTokenizer implements a minimal HF-compatible ByteLevel BPE
type bpeTokenizer struct {
	vocab          map[string]int32
	idToToken      []string
	mergesRank     map[[2]string]int
	addPrefixSpace bool
	eos            []int32
	unkID          int32
	special        map[int32]bool

	byteEncoder map[byte]rune
	byteDecoder map[rune]byte

	added       map[string]int32
	addedSorted []string

	pattern *regexp2.Regexp

	mu       sync.Mutex
	bpeCache map[string][]string
}

// Encode splits out added tokens, pretokenizes the rest and applies BPE.
func (t *bpeTokenizer) Encode(text string, truncate int) ([]int32, error) {
	var ids []int32
	if t.addPrefixSpace && len(text) > 0 && text[0] != ' ' {
		text = " " + text
	}
	pos := 0
	for pos < len(text) {
		matched := false
		for _, tok := range t.addedSorted {
			if strings.HasPrefix(text[pos:], tok) {
				ids = append(ids, t.added[tok])
				pos += len(tok)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		next := len(text)
		for _, tok := range t.addedSorted {
			if i := strings.Index(text[pos:], tok); i >= 0 && pos+i < next {
				next = pos + i
			}
		}
		words, err := t.pretokenize(text[pos:next])
		if err != nil {
			return nil, err
		}
		for _, word := range words {
			ids = append(ids, t.encodeWord(word)...)
		}
		pos = next
	}
	return Truncate(ids, truncate), nil
}

// pretokenize splits text into the words BPE runs on.
func (t *bpeTokenizer) pretokenize(text string) ([]string, error) {
	var words []string
	m, err := t.pattern.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = t.pattern.FindNextMatch(m) {
		if w := m.String(); w != "" {
			words = append(words, w)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "pretokenize")
	}
	return words, nil
}

func (t *bpeTokenizer) encodeWord(word string) []int32 {
	var sb strings.Builder
	sb.Grow(len(word))
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteEncoder[b])
	}
	token := sb.String()

	t.mu.Lock()
	pieces, ok := t.bpeCache[token]
	if !ok {
		pieces = t.applyBPE(token)
		t.bpeCache[token] = pieces
	}
	t.mu.Unlock()
	return t.tokensToIDs(pieces)
}

// Decode maps ids back through the byte-level alphabet.
func (t *bpeTokenizer) Decode(ids []int32, skipSpecial bool) (string, error) {
	buf := make([]byte, 0, len(ids)*4)
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.idToToken) {
			continue
		}
		if skipSpecial && t.special[id] {
			continue
		}
		tok := t.idToToken[id]
		if _, isAdded := t.added[tok]; isAdded {
			buf = append(buf, tok...)
			continue
		}
		for _, r := range tok {
			if b, ok := t.byteDecoder[r]; ok {
				buf = append(buf, b)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return strings.ToValidUTF8(string(buf), string(utf8.RuneError)), nil
}

func (t *bpeTokenizer) BatchDecode(seqs [][]int32, skipSpecial bool) ([]string, error) {
	return batchDecode(t, seqs, skipSpecial)
}

func (t *bpeTokenizer) IsSpecial(id int32) bool { return t.special[id] }

func (t *bpeTokenizer) SpecialIDs() []int32 { return sortedKeys(t.special) }

func (t *bpeTokenizer) EOS() []int32 { return t.eos }

func (t *bpeTokenizer) applyBPE(token string) []string {
	if token == "" {
		return nil
	}
	symbols := make([]string, 0, len(token))
	for _, r := range token {
		symbols = append(symbols, string(r))
	}
	for len(symbols) > 1 {
		bestRank, bestIdx := int(^uint(0)>>1), -1
		for i := 0; i < len(symbols)-1; i++ {
			if r, ok := t.mergesRank[[2]string{symbols[i], symbols[i+1]}]; ok && r < bestRank {
				bestRank, bestIdx = r, i
			}
		}
		if bestIdx == -1 {
			break
		}
		best := [2]string{symbols[bestIdx], symbols[bestIdx+1]}
		merged := make([]string, 0, len(symbols))
		for i := 0; i < len(symbols); {
			if i < len(symbols)-1 && symbols[i] == best[0] && symbols[i+1] == best[1] {
				merged = append(merged, best[0]+best[1])
				i += 2
				continue
			}
			merged = append(merged, symbols[i])
			i++
		}
		symbols = merged
	}
	return symbols
}

func (t *bpeTokenizer) tokensToIDs(tokens []string) []int32 {
	out := make([]int32, 0, len(tokens))
	for _, tok := range tokens {
		if id, ok := t.vocab[tok]; ok {
			out = append(out, id)
		} else if t.unkID >= 0 {
			out = append(out, t.unkID)
		}
	}
	return out
}

// bytesToUnicode constructs byte<->unicode mapping as in GPT-2 byte-level BPE
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	be := make(map[byte]rune, 256)
	bd := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= 33 && b <= 126) || (b >= 161 && b <= 172) || (b >= 174 && b <= 255)
		r := rune(b)
		if !printable {
			r = rune(256 + n)
			n++
		}
		be[byte(b)] = r
		bd[r] = byte(b)
	}
	return be, bd
}

func batchDecode(t Tokenizer, seqs [][]int32, skipSpecial bool) ([]string, error) {
	out := make([]string, len(seqs))
	for i, ids := range seqs {
		s, err := t.Decode(ids, skipSpecial)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func sortedKeys(m map[int32]bool) []int32 {
	out := make([]int32, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
