package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
)

// Tokenizer is the encode/decode contract the serving core consumes.
type Tokenizer interface {
	// Encode tokenizes text. When truncate > 0 only the last truncate ids are kept.
	Encode(text string, truncate int) ([]int32, error)
	// Decode maps ids back to text. Invalid UTF-8 decodes to U+FFFD.
	Decode(ids []int32, skipSpecial bool) (string, error)
	// BatchDecode decodes every sequence independently.
	BatchDecode(seqs [][]int32, skipSpecial bool) ([]string, error)
	// IsSpecial reports whether id is a control token.
	IsSpecial(id int32) bool
	// SpecialIDs lists every control token id in ascending order.
	SpecialIDs() []int32
	// EOS lists the end-of-sequence ids.
	EOS() []int32
}

// Truncate keeps the last n ids when n > 0.
func Truncate(ids []int32, n int) []int32 {
	if n > 0 && len(ids) > n {
		return ids[len(ids)-n:]
	}
	return ids
}

// gpt2Pattern is the GPT-2 ByteLevel pretokenizer regex. A whitespace run
// before a word leaves its last space to prefix that word.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type tokenizerJSON struct {
	Model struct {
		Type      string          `json:"type"`
		Vocab     map[string]int  `json:"vocab"`
		MergesRaw json.RawMessage `json:"merges"`
		UnkToken  string          `json:"unk_token"`
	} `json:"model"`
	PreTokenizer json.RawMessage `json:"pre_tokenizer"`
	AddedTokens  []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// New loads tokenizer.json from dir. EOS ids come from config.json's
// eos_token_id when present.
func New(dir string) (Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, errors.Wrap(err, "read tokenizer.json")
	}
	eos, err := readEOS(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	return FromJSON(data, eos...)
}

// FromJSON builds a byte-level BPE tokenizer from the contents of a
// HuggingFace tokenizer.json.
func FromJSON(data []byte, eos ...int32) (Tokenizer, error) {
	var cfg tokenizerJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse tokenizer.json")
	}
	if strings.ToUpper(cfg.Model.Type) != "BPE" {
		return nil, errors.Errorf("unsupported tokenizer model type: %s", cfg.Model.Type)
	}

	merges, err := parseMerges(cfg.Model.MergesRaw)
	if err != nil {
		return nil, err
	}
	ranks := make(map[[2]string]int, len(merges))
	for i, m := range merges {
		ranks[m] = i
	}

	vocab := make(map[string]int32, len(cfg.Model.Vocab)+len(cfg.AddedTokens))
	for k, v := range cfg.Model.Vocab {
		vocab[k] = int32(v)
	}
	added := make(map[string]int32)
	special := make(map[int32]bool)
	for _, a := range cfg.AddedTokens {
		vocab[a.Content] = int32(a.ID)
		added[a.Content] = int32(a.ID)
		if a.Special {
			special[int32(a.ID)] = true
		}
	}
	maxID := int32(-1)
	for _, id := range vocab {
		maxID = max(maxID, id)
	}
	idToTok := make([]string, maxID+1)
	for tok, id := range vocab {
		if id >= 0 {
			idToTok[id] = tok
		}
	}

	unkID := int32(-1)
	unk := cfg.Model.UnkToken
	if unk == "" {
		unk = "<unk>"
	}
	if id, ok := vocab[unk]; ok {
		unkID = id
	}

	addedSorted := make([]string, 0, len(added))
	for s := range added {
		addedSorted = append(addedSorted, s)
	}
	sort.Slice(addedSorted, func(i, j int) bool { return len(addedSorted[i]) > len(addedSorted[j]) })

	pattern, prefixSpace := pretokenizer(cfg.PreTokenizer)
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, errors.Wrapf(err, "compile pretokenizer regex %q", pattern)
	}

	for _, id := range eos {
		special[id] = true
	}
	be, bd := bytesToUnicode()
	return &bpeTokenizer{
		vocab:          vocab,
		idToToken:      idToTok,
		mergesRank:     ranks,
		addPrefixSpace: prefixSpace,
		eos:            eos,
		unkID:          unkID,
		special:        special,
		byteEncoder:    be,
		byteDecoder:    bd,
		added:          added,
		addedSorted:    addedSorted,
		pattern:        re,
		bpeCache:       make(map[string][]string),
	}, nil
}

// parseMerges accepts both the "a b" string form and the ["a","b"] pair form.
func parseMerges(raw json.RawMessage) ([][2]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(err, "parse merges")
	}
	out := make([][2]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			a, b, ok := strings.Cut(s, " ")
			if ok {
				out = append(out, [2]string{a, b})
			}
			continue
		}
		var pair []string
		if err := json.Unmarshal(it, &pair); err == nil && len(pair) == 2 {
			out = append(out, [2]string{pair[0], pair[1]})
		}
	}
	return out, nil
}

// pretokenizer returns the split regex and the ByteLevel add_prefix_space flag.
func pretokenizer(raw json.RawMessage) (string, bool) {
	type split struct {
		Type           string `json:"type"`
		AddPrefixSpace bool   `json:"add_prefix_space"`
		Pattern        struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	}
	var cfg struct {
		split
		Pretokenizers []split `json:"pretokenizers"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &cfg) != nil {
		return gpt2Pattern, false
	}
	steps := append([]split{cfg.split}, cfg.Pretokenizers...)
	pattern, prefixSpace := "", false
	for _, s := range steps {
		if s.Type == "Split" && pattern == "" && s.Pattern.Regex != "" {
			pattern = s.Pattern.Regex
		}
		if s.Type == "ByteLevel" && s.AddPrefixSpace {
			prefixSpace = true
		}
	}
	if pattern == "" {
		pattern = gpt2Pattern
	}
	return pattern, prefixSpace
}

func readEOS(path string) ([]int32, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config.json")
	}
	var mc struct {
		EOS json.RawMessage `json:"eos_token_id"`
	}
	if err := json.Unmarshal(b, &mc); err != nil {
		return nil, errors.Wrap(err, "parse config.json")
	}
	if len(mc.EOS) == 0 {
		return nil, nil
	}
	var one int32
	if err := json.Unmarshal(mc.EOS, &one); err == nil {
		return []int32{one}, nil
	}
	var many []int32
	if err := json.Unmarshal(mc.EOS, &many); err != nil {
		return nil, errors.Wrap(err, "parse eos_token_id")
	}
	return many, nil
}
