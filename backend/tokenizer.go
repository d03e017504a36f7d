// Package backend provides the concrete implementations behind the serving
// core's executor and tokenizer boundaries: a HuggingFace tokenizer, an
// in-process ONNX Runtime executor, and an HTTP adapter for remote model
// servers.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// HFTokenizer wraps a HuggingFace tokenizer.json via the native tokenizers
// bindings. It implements serving.Tokenizer.
type HFTokenizer struct {
	tk    *tokenizers.Tokenizer
	eosID int
}

// NewHFTokenizer loads tokenizer.json from modelDir. The EOS token ID is
// taken from eosID; pass -1 if the model has none.
func NewHFTokenizer(modelDir string, eosID int) (*HFTokenizer, error) {
	path := filepath.Join(modelDir, "tokenizer.json")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tokenizer file not found: %w", err)
	}

	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	return &HFTokenizer{tk: tk, eosID: eosID}, nil
}

// Encode converts text to token IDs.
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, false)
	tokens := make([]int, len(ids))
	for i, id := range ids {
		tokens[i] = int(id)
	}
	return tokens, nil
}

// Decode converts token IDs to text, skipping special tokens.
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID.
func (t *HFTokenizer) EOSTokenID() int {
	return t.eosID
}

// Close releases the native tokenizer.
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}
