package backend

import (
	"math/rand"
	"testing"
)

func TestSampleTokenPrefersDominantLogit(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	// One logit far above the rest: sampling is overwhelmingly argmax.
	logits := []float32{0, 0, 40, 0, 0}

	for i := 0; i < 50; i++ {
		if got := sampleToken(logits, 1.0, rng); got != 2 {
			t.Fatalf("draw %d: expected token 2, got %d", i, got)
		}
	}
}

func TestSampleTokenStaysInVocabulary(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	logits := []float32{0.1, 0.2, 0.3, 0.4}

	for _, temperature := range []float64{0.5, 1.0, 2.0} {
		for i := 0; i < 100; i++ {
			got := sampleToken(logits, temperature, rng)
			if got < 0 || got >= len(logits) {
				t.Fatalf("temperature %v: token %d out of range", temperature, got)
			}
		}
	}
}
