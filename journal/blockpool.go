package journal

// BlockPool is a free-list of BlockBuffers sized to the journal's
// configured tail-buffer depth (spec §4.C). It is modeled as owned
// indices into a fixed arena rather than an intrusive C list (spec §9
// Design Notes): acquiring or releasing a block is an O(1) slice append
// with no allocation on the hot path, the same contract the original
// source's list_head-embedded blocks provided.
type BlockPool struct {
	arena []*BlockBuffer
	free  []int // stack of arena indices currently on the free list
}

// NewBlockPool allocates tailBufferSize BlockBuffers up front.
func NewBlockPool(cfg *Config, tailBufferSize uint64) *BlockPool {
	p := &BlockPool{
		arena: make([]*BlockBuffer, tailBufferSize),
		free:  make([]int, 0, tailBufferSize),
	}
	for i := range p.arena {
		b := newBlockBuffer(cfg)
		b.poolIndex = i
		p.arena[i] = b
		p.free = append(p.free, i)
	}
	return p
}

// Acquire pops a block from the free list (spec §4.D advance_tail's
// pop_free_list). It returns false if the pool is empty.
func (p *BlockPool) Acquire() (*BlockBuffer, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	last := len(p.free) - 1
	idx := p.free[last]
	p.free = p.free[:last]
	block := p.arena[idx]
	block.membership = membershipActive
	return block, true
}

// Release returns a recycled block to the free list. The caller must have
// already confirmed the block IsRecyclable.
func (p *BlockPool) Release(block *BlockBuffer) {
	block.membership = membershipFree
	p.free = append(p.free, block.poolIndex)
}

// Len reports how many blocks are currently free.
func (p *BlockPool) Len() int {
	return len(p.free)
}

// Cap reports the pool's total configured depth.
func (p *BlockPool) Cap() int {
	return len(p.arena)
}
