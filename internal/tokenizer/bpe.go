// Package tokenizer implements the GPT-2 byte-level BPE tokenizer used to
// prepare training data. The vocabulary and merge table are loaded from
// pretrained vocab.json / merges.txt files; nothing is trained here.
package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
)

// EOSToken is the GPT-2 end-of-sequence marker. It doubles as the padding
// token so padded positions are loss-masked exactly like sequence end.
const EOSToken = "<|endoftext|>"

type pair struct {
	a string
	b string
}

// Tokenizer encodes text to GPT-2 token ids and back.
type Tokenizer struct {
	encoder     map[string]int
	decoder     []string
	bpeRanks    map[pair]int
	cache       map[string][]string
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	pattern     *regexp.Regexp
	eosID       int
}

// New builds a tokenizer from an ordered token list and merge lines.
// The token list index is the token id. The end-of-sequence token must be
// present in the vocabulary.
func New(tokens []string, merges []string) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token list")
	}
	encoder := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		encoder[tok] = i
	}
	eosID, ok := encoder[EOSToken]
	if !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", EOSToken)
	}

	bpeRanks := make(map[pair]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := pair{a: parts[0], b: parts[1]}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	// Go regexp has no lookahead; the trailing-whitespace branch of the GPT-2
	// pattern collapses into a plain \s+ match.
	pat := regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

	return &Tokenizer{
		encoder:     encoder,
		decoder:     append([]string(nil), tokens...),
		bpeRanks:    bpeRanks,
		cache:       make(map[string][]string),
		byteEncoder: byteEncoder,
		byteDecoder: byteDecoder,
		pattern:     pat,
		eosID:       eosID,
	}, nil
}

// Encode converts text to token ids.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, chunk := range t.pattern.FindAllString(text, -1) {
		encoded := t.byteEncode(chunk)
		for _, tok := range t.bpe(encoded) {
			id, ok := t.encoder[tok]
			if !ok {
				return nil, fmt.Errorf("unknown token: %q", tok)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Decode converts token ids back to text.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		for _, r := range t.decoder[id] {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

// EOSID returns the end-of-sequence token id.
func (t *Tokenizer) EOSID() int { return t.eosID }

// PadID returns the padding token id. The end-of-sequence token is reused as
// the padding token.
func (t *Tokenizer) PadID() int { return t.eosID }

// VocabSize returns the number of tokens in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.decoder) }

func (t *Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *Tokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func getPairs(word []string) map[pair]struct{} {
	pairs := make(map[pair]struct{})
	if len(word) < 2 {
		return pairs
	}
	prev := word[0]
	for _, w := range word[1:] {
		pairs[pair{a: prev, b: w}] = struct{}{}
		prev = w
	}
	return pairs
}

func mergePair(word []string, p pair) []string {
	var out []string
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == p.a && word[i+1] == p.b {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// bytesToUnicode maps bytes to printable unicode strings to make BPE
// reversible over arbitrary byte sequences.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := 0; b < 256; b++ {
		found := false
		for _, v := range bs {
			if v == b {
				found = true
				break
			}
		}
		if !found {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]string, len(bs))
	byteDecoder := make(map[string]byte, len(bs))
	for i := 0; i < len(bs); i++ {
		b := byte(bs[i])
		s := string(rune(cs[i]))
		byteEncoder[b] = s
		byteDecoder[s] = b
	}
	return byteEncoder, byteDecoder
}
