package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// Load reads a pretrained GPT-2 tokenizer from a directory containing
// vocab.json (token -> id) and merges.txt (one merge per line).
func Load(dir string) (*Tokenizer, error) {
	vocabPath := filepath.Join(dir, "vocab.json")
	raw, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	var vocab map[string]int
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("parse %s: %w", vocabPath, err)
	}
	tokens, err := orderedTokens(vocab)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", vocabPath, err)
	}

	mergesPath := filepath.Join(dir, "merges.txt")
	mraw, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}
	merges := strings.Split(string(mraw), "\n")
	if len(merges) > 0 && strings.HasPrefix(merges[0], "#") {
		merges = merges[1:]
	}

	return New(tokens, merges)
}

// orderedTokens turns the token->id map into an id-indexed slice, checking
// that ids form a dense range.
func orderedTokens(vocab map[string]int) ([]string, error) {
	tokens := make([]string, len(vocab))
	seen := make([]bool, len(vocab))
	for tok, id := range vocab {
		if id < 0 || id >= len(vocab) {
			return nil, fmt.Errorf("token id %d out of range for vocab of %d", id, len(vocab))
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate token id %d", id)
		}
		seen[id] = true
		tokens[id] = tok
	}
	return tokens, nil
}
