// Package simdriver provides an in-memory driver.Driver used by every
// engine-level test: a flat in-memory arena standing in for a real flash
// part, plus an injectable fault table so the write-failure remap path
// and the read-failure scan path can be exercised deterministically
// without real flash.
package simdriver

import (
	"fmt"
	"sync"

	"github.com/jpswinski/flashstore/driver"
)

// FailOp selects which driver call a fault applies to.
type FailOp int

const (
	FailWrite FailOp = iota
	FailRead
	FailErase
)

type fault struct {
	block driver.BlockIndex
	page  int32
	op    FailOp
}

// Driver is an in-memory flash simulator: num_blocks * pages_per_block
// fixed-size page buffers, a bad-block set, and an optional one-shot
// fault table for injecting failures at specific addresses.
type Driver struct {
	mu sync.Mutex

	geom  driver.Geometry
	pages [][]byte // flat, indexed by block*PagesPerBlock+page
	bad   map[driver.BlockIndex]bool

	faults []fault
}

// New creates a simulator with the given geometry, all pages zeroed and
// no blocks marked bad.
func New(geom driver.Geometry) *Driver {
	pages := make([][]byte, geom.NumBlocks*geom.PagesPerBlock)
	for i := range pages {
		pages[i] = make([]byte, geom.PageSize)
	}
	return &Driver{
		geom:  geom,
		pages: pages,
		bad:   make(map[driver.BlockIndex]bool),
	}
}

// FailAt arms a one-shot fault: the next matching driver call at
// (block, page) for op returns an error instead of succeeding, then the
// fault is consumed.
func (d *Driver) FailAt(block driver.BlockIndex, page int32, op FailOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = append(d.faults, fault{block: block, page: page, op: op})
}

func (d *Driver) consumeFault(block driver.BlockIndex, page int32, op FailOp) bool {
	for i, f := range d.faults {
		if f.block == block && f.page == page && f.op == op {
			d.faults = append(d.faults[:i], d.faults[i+1:]...)
			return true
		}
	}
	return false
}

// MarkBadDirect marks block bad without going through MarkBad, simulating
// a factory-bad block discovered before first use.
func (d *Driver) MarkBadDirect(block driver.BlockIndex) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bad[block] = true
}

func (d *Driver) index(addr driver.Address) int {
	return int(addr.Block)*d.geom.PagesPerBlock + int(addr.Page)
}

func (d *Driver) Geometry() driver.Geometry { return d.geom }

func (d *Driver) PageRead(addr driver.Address, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumeFault(addr.Block, addr.Page, FailRead) {
		return fmt.Errorf("simulated read failure at %s", addr)
	}
	copy(buf, d.pages[d.index(addr)])
	return nil
}

func (d *Driver) PageWrite(addr driver.Address, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumeFault(addr.Block, addr.Page, FailWrite) {
		return fmt.Errorf("simulated write failure at %s", addr)
	}
	copy(d.pages[d.index(addr)], buf)
	return nil
}

func (d *Driver) BlockErase(block driver.BlockIndex) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumeFault(block, 0, FailErase) {
		return fmt.Errorf("simulated erase failure at block %d", block)
	}
	for p := 0; p < d.geom.PagesPerBlock; p++ {
		idx := int(block)*d.geom.PagesPerBlock + p
		for i := range d.pages[idx] {
			d.pages[idx][i] = 0
		}
	}
	return nil
}

func (d *Driver) IsBad(block driver.BlockIndex) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bad[block]
}

func (d *Driver) MarkBad(block driver.BlockIndex) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bad[block] = true
	return nil
}

func (d *Driver) PhysBlock(block driver.BlockIndex) int {
	return int(block)
}
