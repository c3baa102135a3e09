package flashstore

import "github.com/jpswinski/flashstore/driver"

// MaxStores bounds the fixed-size store table, mirroring the reference
// implementation's FLASH_MAX_STORES array (whose value lives in a header
// this pack did not retrieve); 8 concurrent logical queues is ample for
// the embedded/spaceflight deployments this store targets and keeps the
// table small enough to scan linearly on every create.
const MaxStores = 8

// InvalidHandle is the out-of-band sentinel handle value returned when no
// store slot is available.
const InvalidHandle = -1

// StoreAttributes configures a logical store at creation time.
type StoreAttributes struct {
	// MaxDataSize is the largest single object (payload only, header
	// excluded) the store will accept. Create augments it internally by
	// headerSize to size the staging buffers.
	MaxDataSize int
}

// storeRecord is one logical FIFO queue: a write cursor, a read cursor,
// and the staging buffers used to serialize outgoing writes and hold a
// locked, returned read.
type storeRecord struct {
	inUse       bool
	attributes  StoreAttributes
	writeAddr   driver.Address
	readAddr    driver.Address
	writeStage  []byte
	readStage   []byte
	stageLocked bool
	objectCount int
}

// createStore scans the store table for a free slot, validates/defaults
// attr, and allocates the staging buffers. It does not touch the block
// registry: a store's first enqueue is what lazily allocates its first
// block.
func (e *Engine) createStore(attr *StoreAttributes) (int, error) {
	for h := 0; h < MaxStores; h++ {
		fs := &e.stores[h]
		if fs.inUse {
			continue
		}

		if attr != nil {
			if attr.MaxDataSize < e.geom.PageSize {
				return InvalidHandle, newErr(StatusInvalidHandle, nil, "invalid attributes - must supply sufficient sizes")
			}
			fs.attributes = *attr
		} else {
			fs.attributes = StoreAttributes{MaxDataSize: e.geom.PageSize}
		}
		fs.attributes.MaxDataSize += headerSize

		fs.writeAddr = driver.Address{Block: driver.InvalidBlock, Page: 0}
		fs.readAddr = driver.Address{Block: driver.InvalidBlock, Page: 0}
		fs.stageLocked = false
		fs.writeStage = make([]byte, fs.attributes.MaxDataSize)
		fs.readStage = make([]byte, fs.attributes.MaxDataSize)
		fs.objectCount = 0
		fs.inUse = true

		return h, nil
	}
	return InvalidHandle, newErr(StatusInvalidHandle, nil, "no free store handles available")
}

// destroyStore releases the staging buffers and frees the slot for reuse.
func (e *Engine) destroyStore(handle int) error {
	fs := &e.stores[handle]
	fs.writeStage = nil
	fs.readStage = nil
	fs.inUse = false
	return nil
}
