package flashstore

import "github.com/jpswinski/flashstore/driver"

// blockControl is the RAM-only per-block metadata record. A block
// participates in exactly one list or chain at a time (free, bad, or some
// store's in-use chain) but all three share this one pair of link fields;
// which role applies is determined by which list/chain the block is
// currently reachable from, never stored as a tag on the record itself.
type blockControl struct {
	next, prev driver.BlockIndex
	maxPages   int32
	pageUse    []byte // bit set = page in use; MSB-first within each byte
}

// blockList is an intrusive doubly-linked list of block indices threaded
// through the registry's blockControl records. out is the head (next to
// pop), in is the tail (most recently appended).
type blockList struct {
	out, in driver.BlockIndex
	count   int
}

func newBlockList() blockList {
	return blockList{out: driver.InvalidBlock, in: driver.InvalidBlock}
}

// blockRegistry owns the block-control array and the free/bad lists. It
// has no notion of objects, stores, or the device lock above it; it is
// exercised exclusively while the engine holds that lock.
type blockRegistry struct {
	drv      driver.Driver
	geom     driver.Geometry
	blocks   []blockControl
	free     blockList
	bad      blockList
	used     int
	errCount int
}

func newBlockRegistry(drv driver.Driver) *blockRegistry {
	geom := drv.Geometry()
	blocks := make([]blockControl, geom.NumBlocks)
	pageUseBytes := (geom.PagesPerBlock + 7) / 8
	for i := range blocks {
		blocks[i].pageUse = make([]byte, pageUseBytes)
	}
	return &blockRegistry{
		drv:    drv,
		geom:   geom,
		blocks: blocks,
		free:   newBlockList(),
		bad:    newBlockList(),
	}
}

// listAdd appends b at the tail of list. The caller must ensure
// blocks[b].next is already InvalidBlock; listAdd never touches it, only
// the new tail's prev link and the old tail's next link.
func (r *blockRegistry) listAdd(list *blockList, b driver.BlockIndex) {
	if list.out == driver.InvalidBlock {
		list.out = b
	} else {
		r.blocks[list.in].next = b
	}
	r.blocks[b].prev = list.in
	list.in = b
	list.count++
}

// reclaim resets a block's control state and routes it onto the free list,
// or the bad list if the driver now reports it unreliable. It is the only
// place page_use is reset to all-ones and max_pages restored to full.
func (r *blockRegistry) reclaim(b driver.BlockIndex) error {
	bc := &r.blocks[b]
	bc.next = driver.InvalidBlock
	bc.prev = driver.InvalidBlock
	bc.maxPages = int32(r.geom.PagesPerBlock)
	for i := range bc.pageUse {
		bc.pageUse[i] = 0xFF
	}

	r.used--

	if !r.drv.IsBad(b) {
		r.listAdd(&r.free, b)
		return nil
	}
	r.listAdd(&r.bad, b)
	return newErr(StatusFailedStore, nil, "block %d is bad", r.drv.PhysBlock(b))
}

// allocate pops blocks from the free-list head until one erases
// successfully, routing every erase failure onto the bad list without
// retry. It fails once the free list is exhausted.
func (r *blockRegistry) allocate() (driver.BlockIndex, error) {
	for r.free.out != driver.InvalidBlock {
		b := r.free.out
		r.free.out = r.blocks[b].next
		r.free.count--

		if err := r.drv.BlockErase(b); err != nil {
			r.errCount++
			r.blocks[b].next = driver.InvalidBlock
			r.listAdd(&r.bad, b)
			continue
		}

		r.used++
		return b, nil
	}
	return driver.InvalidBlock, newErr(StatusFailedStore, nil, "no free blocks available")
}

// unlink removes b from whatever chain it is currently spliced into,
// repointing its neighbors at one another. b's own links are left intact;
// callers that are about to reclaim b don't need them, reclaim resets
// them, and callers that are about to splice a replacement in read them
// first.
func (r *blockRegistry) unlink(b driver.BlockIndex) {
	prev := r.blocks[b].prev
	next := r.blocks[b].next
	if prev != driver.InvalidBlock {
		r.blocks[prev].next = next
	}
	if next != driver.InvalidBlock {
		r.blocks[next].prev = prev
	}
}

func (r *blockRegistry) freeCount() int { return r.free.count }
func (r *blockRegistry) badCount() int  { return r.bad.count }
func (r *blockRegistry) usedCount() int { return r.used }
