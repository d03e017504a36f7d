package serving

import (
	"errors"
	"testing"
)

func seqWithTokens(n int) *Sequence {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i + 1
	}
	return NewSequence(tokens, NewSamplingParams(WithMaxTokens(1000)))
}

func TestAllocatorCreation(t *testing.T) {
	a := NewBlockAllocator(100, 16)

	if a.TotalBlocks() != 100 {
		t.Errorf("Expected 100 blocks, got %d", a.TotalBlocks())
	}

	if a.FreeBlockCount() != 100 {
		t.Errorf("Expected 100 free blocks, got %d", a.FreeBlockCount())
	}

	if a.BlockSize() != 16 {
		t.Errorf("Expected block size 16, got %d", a.BlockSize())
	}
}

func TestAllocatorReserve(t *testing.T) {
	a := NewBlockAllocator(100, 16)
	seq := seqWithTokens(40) // needs 3 blocks

	if err := a.Reserve(seq); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if len(seq.BlockTable) != 3 {
		t.Errorf("Expected 3 blocks allocated, got %d", len(seq.BlockTable))
	}

	if a.FreeBlockCount() != 97 {
		t.Errorf("Expected 97 free blocks after reservation, got %d", a.FreeBlockCount())
	}

	if a.UsedBlockCount() != 3 {
		t.Errorf("Expected 3 used blocks, got %d", a.UsedBlockCount())
	}
}

func TestAllocatorReserveInsufficientMemoryHasNoSideEffects(t *testing.T) {
	a := NewBlockAllocator(2, 16)
	seq := seqWithTokens(40) // needs 3 blocks, only 2 exist

	err := a.Reserve(seq)
	if !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("Expected ErrInsufficientMemory, got %v", err)
	}

	if len(seq.BlockTable) != 0 {
		t.Errorf("Expected no blocks granted on failure, got %d", len(seq.BlockTable))
	}

	if a.FreeBlockCount() != 2 {
		t.Errorf("Expected free list untouched on failure, got %d free", a.FreeBlockCount())
	}
}

func TestAllocatorReleaseIsIdempotent(t *testing.T) {
	a := NewBlockAllocator(10, 16)
	seq := seqWithTokens(40)

	if err := a.Reserve(seq); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	a.Release(seq)
	if a.FreeBlockCount() != 10 {
		t.Errorf("Expected 10 free blocks after release, got %d", a.FreeBlockCount())
	}

	// Second release of the same handle must not over-count the free list.
	a.Release(seq)
	if a.FreeBlockCount() != 10 {
		t.Errorf("Expected 10 free blocks after double release, got %d", a.FreeBlockCount())
	}

	if seq.NumCachedTokens != 0 {
		t.Errorf("Expected 0 cached tokens after release, got %d", seq.NumCachedTokens)
	}
}

func TestAllocatorGrowOnBlockBoundary(t *testing.T) {
	a := NewBlockAllocator(10, 4)
	seq := seqWithTokens(4) // exactly one full block

	if err := a.Reserve(seq); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if len(seq.BlockTable) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(seq.BlockTable))
	}

	// The next decoded token does not fit in the reserved span.
	if err := a.Grow(seq); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if len(seq.BlockTable) != 2 {
		t.Errorf("Expected 2 blocks after growth, got %d", len(seq.BlockTable))
	}

	// Room remains for three more tokens; growth is a no-op.
	seq.AppendToken(5)
	if err := a.Grow(seq); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if len(seq.BlockTable) != 2 {
		t.Errorf("Expected growth to be a no-op mid-block, got %d blocks", len(seq.BlockTable))
	}
}

func TestAllocatorGrowExhaustion(t *testing.T) {
	a := NewBlockAllocator(1, 4)
	seq := seqWithTokens(4)

	if err := a.Reserve(seq); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	err := a.Grow(seq)
	if !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("Expected ErrInsufficientMemory, got %v", err)
	}

	if len(seq.BlockTable) != 1 {
		t.Errorf("Expected failed growth to leave the block table unchanged, got %d", len(seq.BlockTable))
	}
}

func TestAllocatorPrefixReuse(t *testing.T) {
	a := NewBlockAllocator(10, 4)

	seq1 := seqWithTokens(8) // two full blocks
	if err := a.Reserve(seq1); err != nil {
		t.Fatalf("Reserve seq1 failed: %v", err)
	}

	// Same prompt: both full blocks should be shared, not reallocated.
	seq2 := seqWithTokens(8)
	if err := a.Reserve(seq2); err != nil {
		t.Fatalf("Reserve seq2 failed: %v", err)
	}

	if seq2.NumCachedTokens != 8 {
		t.Errorf("Expected seq2 to reuse 8 cached tokens, got %d", seq2.NumCachedTokens)
	}

	if a.UsedBlockCount() != 2 {
		t.Errorf("Expected 2 shared blocks in use, got %d", a.UsedBlockCount())
	}

	// Shared blocks stay resident until both owners release them.
	a.Release(seq1)
	if a.UsedBlockCount() != 2 {
		t.Errorf("Expected blocks still held by seq2, got %d used", a.UsedBlockCount())
	}

	a.Release(seq2)
	if a.FreeBlockCount() != 10 {
		t.Errorf("Expected all blocks free, got %d", a.FreeBlockCount())
	}
}

func TestAllocatorReusesCachedFreeBlocks(t *testing.T) {
	a := NewBlockAllocator(10, 4)

	seq1 := seqWithTokens(8)
	if err := a.Reserve(seq1); err != nil {
		t.Fatalf("Reserve seq1 failed: %v", err)
	}
	a.Release(seq1)

	// The blocks are free but their content is still resident; a sequence
	// with the same prefix resurrects them from the free list.
	seq2 := seqWithTokens(8)
	if err := a.Reserve(seq2); err != nil {
		t.Fatalf("Reserve seq2 failed: %v", err)
	}

	if seq2.NumCachedTokens != 8 {
		t.Errorf("Expected free-but-cached blocks to be reused, got %d cached tokens", seq2.NumCachedTokens)
	}

	if a.UsedBlockCount() != 2 {
		t.Errorf("Expected 2 blocks in use, got %d", a.UsedBlockCount())
	}
}

func TestAllocatorCapacityNeverExceeded(t *testing.T) {
	a := NewBlockAllocator(4, 2)

	var seqs []*Sequence
	for i := 0; i < 6; i++ {
		seq := NewSequence([]int{100 + i, 200 + i, 300 + i}, NewSamplingParams())
		if err := a.Reserve(seq); err != nil {
			break
		}
		seqs = append(seqs, seq)
	}

	if a.UsedBlockCount() > a.TotalBlocks() {
		t.Errorf("Used blocks %d exceeds capacity %d", a.UsedBlockCount(), a.TotalBlocks())
	}

	if a.UsedBlockCount()+a.FreeBlockCount() != a.TotalBlocks() {
		t.Errorf("Used %d + free %d does not equal capacity %d",
			a.UsedBlockCount(), a.FreeBlockCount(), a.TotalBlocks())
	}

	for _, seq := range seqs {
		a.Release(seq)
	}

	if a.FreeBlockCount() != 4 {
		t.Errorf("Expected all blocks free after releases, got %d", a.FreeBlockCount())
	}
}

func TestComputeHashDeterminism(t *testing.T) {
	tokens := []int{1, 2, 3, 4, 5}

	if computeHash(tokens, 0) != computeHash(tokens, 0) {
		t.Errorf("Hash should be deterministic")
	}

	other := []int{1, 2, 3, 4, 6}
	if computeHash(tokens, 0) == computeHash(other, 0) {
		t.Errorf("Different token IDs should produce different hashes")
	}

	if computeHash(tokens, 0) == computeHash(tokens, 7) {
		t.Errorf("Different prefix hashes should produce different hashes")
	}
}
