package content

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
)

// SightWord pairs a word the child should recognize on sight with a sentence
// using it.
type SightWord struct {
	Word     string `json:"sight_word"`
	Sentence string `json:"sentence"`
}

// LoadSightWords reads the sight word manifest from disk.
func LoadSightWords(path string) ([]SightWord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sight words manifest: %w", err)
	}
	var words []SightWord
	if err := json.Unmarshal(data, &words); err != nil {
		return nil, fmt.Errorf("parse sight words manifest: %w", err)
	}
	return words, nil
}

// Shuffle returns a Fisher-Yates shuffled copy so every practice round shows
// the words in a fresh order. The input slice is left untouched.
func Shuffle(words []SightWord, rng *rand.Rand) []SightWord {
	out := make([]SightWord, len(words))
	copy(out, words)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
