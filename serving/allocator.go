package serving

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Block represents one fixed-size KV cache block. A full block is
// content-addressed by the chained hash of every token up to and including
// its own, which lets later sequences with the same prefix share it.
type Block struct {
	ID       int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// BlockAllocator manages the fixed pool of KV cache blocks. It grants and
// reclaims blocks but never evicts a live sequence on its own; on
// exhaustion it reports ErrInsufficientMemory and leaves preemption
// decisions to the scheduler.
//
// The allocator is not safe for concurrent use. The scheduler is its only
// caller, and scheduler ticks are serialized by the engine run loop.
type BlockAllocator struct {
	blockSize   int
	blocks      []*Block
	hashToBlock map[uint64]int
	freeIDs     []int
	used        map[int]bool
}

// NewBlockAllocator creates an allocator over numBlocks blocks of
// blockSize token positions each.
func NewBlockAllocator(numBlocks, blockSize int) *BlockAllocator {
	blocks := make([]*Block, numBlocks)
	freeIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = &Block{ID: i}
		freeIDs[i] = i
	}

	return &BlockAllocator{
		blockSize:   blockSize,
		blocks:      blocks,
		hashToBlock: make(map[uint64]int),
		freeIDs:     freeIDs,
		used:        make(map[int]bool),
	}
}

// BlockSize returns the number of token positions per block.
func (a *BlockAllocator) BlockSize() int {
	return a.blockSize
}

// TotalBlocks returns the pool capacity in blocks.
func (a *BlockAllocator) TotalBlocks() int {
	return len(a.blocks)
}

// FreeBlockCount returns the number of blocks on the free list.
func (a *BlockAllocator) FreeBlockCount() int {
	return len(a.freeIDs)
}

// UsedBlockCount returns the number of blocks held by live sequences.
func (a *BlockAllocator) UsedBlockCount() int {
	return len(a.used)
}

// blocksNeeded returns the number of blocks covering numTokens positions.
func (a *BlockAllocator) blocksNeeded(numTokens int) int {
	return (numTokens + a.blockSize - 1) / a.blockSize
}

// blockTokens returns the tokens of seq that fall into block index i.
func (a *BlockAllocator) blockTokens(seq *Sequence, i int) []int {
	start := i * a.blockSize
	end := start + a.blockSize
	if end > seq.Len() {
		end = seq.Len()
	}
	return seq.TokenIDs[start:end]
}

// computeHash chains a full block's token IDs onto the previous block's hash.
func computeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)

	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}

	return h.Sum64()
}

// cachedBlock returns the resident block holding the given full-block
// content, or nil.
func (a *BlockAllocator) cachedBlock(hash uint64, tokenIDs []int) *Block {
	id, ok := a.hashToBlock[hash]
	if !ok {
		return nil
	}
	blk := a.blocks[id]
	if len(blk.TokenIDs) != len(tokenIDs) {
		return nil
	}
	for i, t := range tokenIDs {
		if blk.TokenIDs[i] != t {
			return nil
		}
	}
	return blk
}

// takeFreeBlock removes a specific block from the free list.
func (a *BlockAllocator) takeFreeBlock(id int) {
	for i, fid := range a.freeIDs {
		if fid == id {
			a.freeIDs = append(a.freeIDs[:i], a.freeIDs[i+1:]...)
			return
		}
	}
}

// popFreeBlock takes the oldest free block and prepares it for new content.
func (a *BlockAllocator) popFreeBlock() *Block {
	id := a.freeIDs[0]
	a.freeIDs = a.freeIDs[1:]
	blk := a.blocks[id]
	if blk.Hash != 0 {
		// Evicting cached content; drop the stale prefix mapping.
		if owner, ok := a.hashToBlock[blk.Hash]; ok && owner == blk.ID {
			delete(a.hashToBlock, blk.Hash)
		}
		blk.Hash = 0
	}
	blk.TokenIDs = nil
	blk.RefCount = 1
	a.used[id] = true
	return blk
}

// Reserve atomically grants seq the blocks covering its current token
// count. Full blocks whose content is already resident are shared via
// reference counting instead of allocated fresh. On exhaustion it returns
// ErrInsufficientMemory without side effects.
func (a *BlockAllocator) Reserve(seq *Sequence) error {
	if len(seq.BlockTable) != 0 {
		panic("sequence already holds a cache reservation")
	}

	total := a.blocksNeeded(seq.Len())

	// Walk the chained hashes to find how many leading full blocks are
	// already resident. Pure pass: no state is modified yet.
	type reuse struct {
		blk  *Block
		hash uint64
	}
	var reusable []reuse
	var h uint64
	fullBlocks := seq.Len() / a.blockSize
	for i := 0; i < fullBlocks; i++ {
		tokens := a.blockTokens(seq, i)
		h = computeHash(tokens, h)
		blk := a.cachedBlock(h, tokens)
		if blk == nil {
			break
		}
		reusable = append(reusable, reuse{blk: blk, hash: h})
	}

	// Reused blocks that sit on the free list still come out of it, so they
	// count against availability alongside genuinely new blocks.
	needFree := total - len(reusable)
	for _, r := range reusable {
		if !a.used[r.blk.ID] {
			needFree++
		}
	}
	if needFree > len(a.freeIDs) {
		return ErrInsufficientMemory
	}

	for _, r := range reusable {
		if a.used[r.blk.ID] {
			r.blk.RefCount++
		} else {
			a.takeFreeBlock(r.blk.ID)
			r.blk.RefCount = 1
			a.used[r.blk.ID] = true
		}
		seq.BlockTable = append(seq.BlockTable, r.blk.ID)
		seq.NumCachedTokens += a.blockSize
	}

	prevHash := uint64(0)
	if n := len(reusable); n > 0 {
		prevHash = reusable[n-1].hash
	}
	for i := len(reusable); i < total; i++ {
		blk := a.popFreeBlock()
		tokens := a.blockTokens(seq, i)
		if len(tokens) == a.blockSize {
			prevHash = computeHash(tokens, prevHash)
			a.sealBlock(blk, prevHash, tokens)
		}
		seq.BlockTable = append(seq.BlockTable, blk.ID)
	}

	return nil
}

// sealBlock records a full block's content hash in the prefix table.
func (a *BlockAllocator) sealBlock(blk *Block, hash uint64, tokenIDs []int) {
	blk.Hash = hash
	blk.TokenIDs = make([]int, len(tokenIDs))
	copy(blk.TokenIDs, tokenIDs)
	a.hashToBlock[hash] = blk.ID
}

// Grow extends seq's reservation so the next decoded token has a cache
// slot. It is a no-op while the reserved span still has room; otherwise it
// allocates exactly one block or returns ErrInsufficientMemory without
// side effects.
func (a *BlockAllocator) Grow(seq *Sequence) error {
	capacity := len(seq.BlockTable) * a.blockSize
	if seq.Len()+1 <= capacity {
		return nil
	}

	if len(a.freeIDs) == 0 {
		return ErrInsufficientMemory
	}

	// The last block just filled up; seal it so the prefix becomes shareable.
	lastIdx := len(seq.BlockTable) - 1
	last := a.blocks[seq.BlockTable[lastIdx]]
	if last.Hash == 0 && last.RefCount == 1 {
		var prevHash uint64
		if lastIdx > 0 {
			prevHash = a.blocks[seq.BlockTable[lastIdx-1]].Hash
		}
		tokens := a.blockTokens(seq, lastIdx)
		if len(tokens) == a.blockSize {
			a.sealBlock(last, computeHash(tokens, prevHash), tokens)
		}
	}

	blk := a.popFreeBlock()
	seq.BlockTable = append(seq.BlockTable, blk.ID)
	return nil
}

// Release returns all of seq's blocks to the free list, in reverse order
// so the least reusable suffix blocks are evicted first. Releasing a
// sequence that holds no reservation is a no-op.
func (a *BlockAllocator) Release(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		blk := a.blocks[seq.BlockTable[i]]
		blk.RefCount--
		if blk.RefCount == 0 {
			delete(a.used, blk.ID)
			a.freeIDs = append(a.freeIDs, blk.ID)
		}
	}

	seq.BlockTable = seq.BlockTable[:0]
	seq.NumCachedTokens = 0
}
