package flashstore

import "github.com/jpswinski/flashstore/driver"

// dataWrite writes n bytes from buf starting at *addr, advancing *addr in
// place across page and block boundaries as needed, allocating new free
// blocks transparently when the current one fills up or fails outright.
//
// On a driver write failure it recovers onto a fresh block and re-sends
// the same bytes rather than reporting partial progress: no byte of buf
// is ever considered consumed until its page write has succeeded.
//
// It returns the address the first byte of buf actually landed at. This
// is almost always equal to the *addr passed in, except when the very
// first page write fails and gets remapped before any byte is consumed —
// callers that need to record where buf's first byte lives (e.g. a
// store's read cursor on its first object) must use this return value,
// not the original address, to stay correct across that remap.
func (r *blockRegistry) dataWrite(addr *driver.Address, buf []byte) (driver.Address, error) {
	if addr.Page >= r.blocks[addr.Block].maxPages || int(addr.Block) >= r.geom.NumBlocks {
		return driver.Address{}, newErr(StatusFailedStore, nil, "invalid address provided to write: %d.%d", r.drv.PhysBlock(addr.Block), addr.Page)
	}

	bytesLeft := len(buf)
	dataIndex := 0
	landed := *addr

	for bytesLeft > 0 {
		if dataIndex == 0 {
			landed = *addr
		}

		bytesToCopy := bytesLeft
		if bytesToCopy > r.geom.PageSize {
			bytesToCopy = r.geom.PageSize
		}

		err := r.drv.PageWrite(*addr, buf[dataIndex:dataIndex+bytesToCopy])
		if err != nil {
			r.errCount++

			if addr.Page > 0 {
				r.blocks[addr.Block].maxPages = addr.Page
			} else if rerr := r.reclaim(addr.Block); rerr != nil {
				// reclaim routed the block to the bad list; that is
				// expected here, not a reason to abort the write.
				_ = rerr
			}

			next, aerr := r.allocate()
			if aerr != nil {
				return driver.Address{}, newErr(StatusFailedStore, aerr, "failed to write data at %d.%d", r.drv.PhysBlock(addr.Block), addr.Page)
			}

			prev := r.blocks[addr.Block].prev
			if prev != driver.InvalidBlock {
				r.blocks[prev].next = next
			}
			r.blocks[next].prev = prev

			addr.Block = next
			addr.Page = 0
			continue
		}

		dataIndex += bytesToCopy
		bytesLeft -= bytesToCopy

		addr.Page++
		if addr.Page == r.blocks[addr.Block].maxPages {
			next, aerr := r.allocate()
			if aerr != nil {
				return driver.Address{}, newErr(StatusFailedStore, aerr, "failed to allocate next block after %d", r.drv.PhysBlock(addr.Block))
			}
			r.blocks[addr.Block].next = next
			r.blocks[next].prev = addr.Block
			addr.Block = next
			addr.Page = 0
		}
	}

	return landed, nil
}

// dataRead reads n bytes into buf starting at *addr, advancing *addr and
// following next-block links as needed. Unlike dataWrite, a driver read
// failure is never transparently recovered — it is reported immediately
// so the object layer can fall back to sync-marker scanning.
func (r *blockRegistry) dataRead(addr *driver.Address, buf []byte) error {
	if addr.Page >= r.blocks[addr.Block].maxPages || int(addr.Block) >= r.geom.NumBlocks {
		return newErr(StatusFailedStore, nil, "invalid address provided to read: %d.%d", r.drv.PhysBlock(addr.Block), addr.Page)
	}

	bytesLeft := len(buf)
	dataIndex := 0

	for bytesLeft > 0 {
		bytesToCopy := bytesLeft
		if bytesToCopy > r.geom.PageSize {
			bytesToCopy = r.geom.PageSize
		}

		if err := r.drv.PageRead(*addr, buf[dataIndex:dataIndex+bytesToCopy]); err != nil {
			r.errCount++
			return newErr(StatusFailedStore, err, "failed to read data at %d.%d", r.drv.PhysBlock(addr.Block), addr.Page)
		}

		dataIndex += bytesToCopy
		bytesLeft -= bytesToCopy
		addr.Page++

		if addr.Page == r.blocks[addr.Block].maxPages {
			next := r.blocks[addr.Block].next
			if next == driver.InvalidBlock {
				return newErr(StatusFailedStore, nil, "no next block in middle of read at %d", r.drv.PhysBlock(addr.Block))
			}
			addr.Block = next
			addr.Page = 0
		}
	}

	return nil
}
