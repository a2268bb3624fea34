// Package data loads text corpora, tokenizes them into fixed-length
// examples, and partitions the training split across data-parallel ranks.
package data

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/peerlm/peer/internal/tokenizer"
)

// Split is an immutable sequence of tokenized examples, each exactly SeqLen
// tokens long. The final chunk of the token stream is padded with the
// tokenizer's pad token.
type Split struct {
	Examples [][]int
	SeqLen   int
}

// Len returns the number of examples.
func (s *Split) Len() int { return len(s.Examples) }

// jsonlDoc is one Pile-style corpus line.
type jsonlDoc struct {
	Text string `json:"text"`
}

// LoadSplit reads a corpus file (.jsonl with a "text" field per line, or
// plain text) and tokenizes it into fixed-length examples. Every document is
// terminated with the end-of-sequence token before chunking.
func LoadSplit(path string, tok *tokenizer.Tokenizer, seqLen int) (*Split, error) {
	if seqLen < 2 {
		return nil, fmt.Errorf("sequence length must be at least 2, got %d", seqLen)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	isJSONL := strings.HasSuffix(strings.ToLower(path), ".jsonl")

	var stream []int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		text := string(line)
		if isJSONL {
			var doc jsonlDoc
			if err := json.Unmarshal(line, &doc); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			text = doc.Text
		}
		ids, err := tok.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("tokenize %s: %w", path, err)
		}
		stream = append(stream, ids...)
		stream = append(stream, tok.EOSID())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	if len(stream) == 0 {
		return nil, fmt.Errorf("corpus %s is empty", path)
	}

	split := chunk(stream, seqLen, tok.PadID())
	if split.Len() == 0 {
		return nil, fmt.Errorf("corpus %s holds no trainable example", path)
	}
	return split, nil
}

// chunk splits the token stream into seqLen-sized examples, padding the last
// one. A trailing chunk with a single real token is dropped: every target of
// such an example is padding, so it contributes nothing to training and a
// rank sharded onto it would skip the batch's collective while its peers
// block in theirs.
func chunk(stream []int, seqLen, padID int) *Split {
	var examples [][]int
	for off := 0; off < len(stream); off += seqLen {
		end := off + seqLen
		ex := make([]int, seqLen)
		if end <= len(stream) {
			copy(ex, stream[off:end])
		} else {
			n := copy(ex, stream[off:])
			if n < 2 {
				break
			}
			for i := n; i < seqLen; i++ {
				ex[i] = padID
			}
		}
		examples = append(examples, ex)
	}
	return &Split{Examples: examples, SeqLen: seqLen}
}

// LoadDataset loads the train and validation splits from a dataset
// directory, trying .jsonl first and falling back to .txt.
func LoadDataset(dir string, tok *tokenizer.Tokenizer, seqLen int) (train, val *Split, err error) {
	trainPath, err := findSplitFile(dir, "train")
	if err != nil {
		return nil, nil, err
	}
	valPath, err := findSplitFile(dir, "validation")
	if err != nil {
		return nil, nil, err
	}
	if train, err = LoadSplit(trainPath, tok, seqLen); err != nil {
		return nil, nil, fmt.Errorf("train split: %w", err)
	}
	if val, err = LoadSplit(valPath, tok, seqLen); err != nil {
		return nil, nil, fmt.Errorf("validation split: %w", err)
	}
	return train, val, nil
}

func findSplitFile(dir, name string) (string, error) {
	for _, ext := range []string{".jsonl", ".txt"} {
		p := filepath.Join(dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("dataset %s has no %s.jsonl or %s.txt", dir, name, name)
}
