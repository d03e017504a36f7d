package serving

import (
	"strings"
	"sync"
)

// Tokenizer converts between text and token IDs. The engine uses it to
// encode prompts on Open and to decode tokens into incremental text for
// streaming sessions.
//
// backend.HFTokenizer wraps a real HuggingFace tokenizer; WordTokenizer is
// a trivial in-process stand-in for tests and demos.
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID, or -1 if the vocabulary has none
	EOSTokenID() int
}

// WordTokenizer is a whitespace tokenizer over a closed vocabulary built
// on demand. It round-trips any input and needs no model files.
//
// Safe for concurrent use: Open encodes on handler goroutines while the
// run loop decodes, so the vocabulary maps are guarded by a mutex.
type WordTokenizer struct {
	mu       sync.Mutex
	vocab    map[string]int
	invVocab map[int]string
	eosID    int
}

// NewWordTokenizer creates an empty-vocabulary word tokenizer with the
// given EOS token ID.
func NewWordTokenizer(eosID int) *WordTokenizer {
	t := &WordTokenizer{
		vocab:    make(map[string]int),
		invVocab: make(map[int]string),
		eosID:    eosID,
	}
	t.invVocab[eosID] = ""
	return t
}

// Encode converts text to token IDs, growing the vocabulary as needed.
func (t *WordTokenizer) Encode(text string) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	words := strings.Fields(text)
	tokens := make([]int, 0, len(words))

	for _, word := range words {
		id, ok := t.vocab[word]
		if !ok {
			id = len(t.vocab)
			if id == t.eosID {
				id++
			}
			t.vocab[word] = id
			t.invVocab[id] = word
		}
		tokens = append(tokens, id)
	}

	return tokens, nil
}

// Decode converts token IDs back to space-joined text.
func (t *WordTokenizer) Decode(tokenIDs []int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	words := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == t.eosID {
			continue
		}
		if word, ok := t.invVocab[id]; ok {
			words = append(words, word)
		}
	}
	return strings.Join(words, " "), nil
}

// EOSTokenID returns the EOS token ID
func (t *WordTokenizer) EOSTokenID() int {
	return t.eosID
}
