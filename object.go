package flashstore

import (
	"bytes"
	"encoding/binary"

	"github.com/jpswinski/flashstore/driver"
)

// objectSync is the fixed 64-bit constant beginning every object header
// ("BP FLASH" packed as a big-endian uint64), used to resynchronize reads
// after corruption. It is unlikely to occur in arbitrary payload, but the
// engine does not defend against the collision that is nonetheless
// possible.
const objectSync uint64 = 0x425020464C415348

// SID is a stable, 1-based handle for an object: the page address of its
// header, encoded as block*pagesPerBlock + page + 1. Zero is never
// produced and is reserved as InvalidSID.
type SID uint64

// InvalidSID is the out-of-band sentinel SID value.
const InvalidSID SID = 0

// ObjectDescriptor is the caller-visible identity of a stored object,
// embedded in its on-flash header and handed back from dequeue/retrieve.
type ObjectDescriptor struct {
	Handle int32
	Size   int32
	SID    SID
}

// objectHeader is the fixed, persisted framing that begins every object:
// sync marker, write timestamp, then the descriptor. Continuation pages
// carry payload only.
type objectHeader struct {
	Sync      uint64
	Timestamp uint64
	Object    ObjectDescriptor
}

// headerSize is the encoded size of objectHeader: two uint64 fields plus
// the descriptor's two int32s and one uint64.
const headerSize = 8 + 8 + 4 + 4 + 8

func encodeHeader(h objectHeader) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(headerSize)
	_ = binary.Write(buf, binary.NativeEndian, h.Sync)
	_ = binary.Write(buf, binary.NativeEndian, h.Timestamp)
	_ = binary.Write(buf, binary.NativeEndian, h.Object.Handle)
	_ = binary.Write(buf, binary.NativeEndian, h.Object.Size)
	_ = binary.Write(buf, binary.NativeEndian, h.Object.SID)
	return buf.Bytes()
}

func decodeHeader(buf []byte) objectHeader {
	r := bytes.NewReader(buf)
	var h objectHeader
	_ = binary.Read(r, binary.NativeEndian, &h.Sync)
	_ = binary.Read(r, binary.NativeEndian, &h.Timestamp)
	_ = binary.Read(r, binary.NativeEndian, &h.Object.Handle)
	_ = binary.Read(r, binary.NativeEndian, &h.Object.Size)
	_ = binary.Read(r, binary.NativeEndian, &h.Object.SID)
	return h
}

// sidOf encodes addr as the SID of the header page it points at.
func sidOf(geom driver.Geometry, addr driver.Address) SID {
	return SID(int64(addr.Block)*int64(geom.PagesPerBlock) + int64(addr.Page) + 1)
}

// decodeSID recovers the address a SID was computed from.
func decodeSID(geom driver.Geometry, sid SID) driver.Address {
	v := int64(sid) - 1
	return driver.Address{
		Block: driver.BlockIndex(v / int64(geom.PagesPerBlock)),
		Page:  int32(v % int64(geom.PagesPerBlock)),
	}
}

// objectWrite frames handle/data1/data2 behind an objectHeader, stages the
// whole thing in fs.writeStage, and streams it out through the data
// layer. The header's SID is provisionally computed from fs.writeAddr; if
// dataWrite ends up remapping the very first page (a write failure on a
// fresh block), the bytes already on flash still carry that provisional,
// now-stale SID — a known limitation of framing the header before the
// physical address is finalized, harmless to FIFO dequeue (which walks
// the block chain, not the embedded SID) but relevant to Retrieve by SID
// in that narrow case. objectWrite returns the address its first byte
// actually landed at, for callers that need to track it (e.g. a store's
// read cursor on its very first object).
func (e *Engine) objectWrite(fs *storeRecord, handle int32, data1, data2 []byte) (driver.Address, error) {
	need := headerSize + len(data1) + len(data2)
	available := int64(e.reg.freeCount()) * int64(e.geom.PagesPerBlock) * int64(e.geom.PageSize)

	if available < int64(need) || need > fs.attributes.MaxDataSize {
		return driver.Address{}, newErr(StatusStoreFull, nil, "insufficient room in flash storage, max: %d, available: %d, needed: %d", fs.attributes.MaxDataSize, available, need)
	}

	hdr := objectHeader{
		Sync:      objectSync,
		Timestamp: uint64(e.clock.Now().UnixNano()),
		Object: ObjectDescriptor{
			Handle: handle,
			Size:   int32(len(data1) + len(data2)),
			SID:    sidOf(e.geom, fs.writeAddr),
		},
	}

	copy(fs.writeStage[0:], encodeHeader(hdr))
	copy(fs.writeStage[headerSize:], data1)
	copy(fs.writeStage[headerSize+len(data1):], data2)

	return e.reg.dataWrite(&fs.writeAddr, fs.writeStage[:need])
}

// objectRead reads the header-and-payload at *addr into fs.readStage,
// validates it, and on success points obj at the embedded descriptor and
// locks the stage. It refuses to run while the stage is already locked by
// an unreleased prior read.
func (e *Engine) objectRead(fs *storeRecord, handle int32, addr *driver.Address) (*ObjectDescriptor, error) {
	if fs.stageLocked {
		return nil, newErr(StatusFailedStore, nil, "object read cannot proceed when object stage is locked")
	}

	// Read whole pages until the header is covered; with pages smaller
	// than headerSize that takes more than one.
	firstRead := e.geom.PageSize
	for firstRead < headerSize {
		firstRead += e.geom.PageSize
	}
	if err := e.reg.dataRead(addr, fs.readStage[:firstRead]); err != nil {
		return nil, err
	}

	hdr := decodeHeader(fs.readStage)
	if int(hdr.Object.Size) > fs.attributes.MaxDataSize || hdr.Object.Handle != handle || hdr.Sync != objectSync {
		return nil, newErr(StatusFailedStore, nil, "object read from flash fails validation, size (%d, %d), handle (%d, %d), sync (%016X, %016X)",
			hdr.Object.Size, fs.attributes.MaxDataSize, hdr.Object.Handle, handle, hdr.Sync, objectSync)
	}

	bytesRead := firstRead - headerSize
	remaining := int(hdr.Object.Size) - bytesRead
	if remaining > 0 {
		if err := e.reg.dataRead(addr, fs.readStage[firstRead:firstRead+remaining]); err != nil {
			return nil, err
		}
	}

	fs.stageLocked = true
	desc := hdr.Object
	return &desc, nil
}

// objectScan advances *addr, page by page and across block boundaries,
// until it finds a page beginning with the sync marker, or runs off the
// end of the chain. It is used to step past a corrupted region so a store
// can keep dequeuing past it.
func (e *Engine) objectScan(addr *driver.Address) error {
	hdrBuf := make([]byte, headerSize)

	for addr.Block != driver.InvalidBlock {
		scanAddr := *addr
		if err := e.reg.dataRead(&scanAddr, hdrBuf); err == nil {
			if decodeHeader(hdrBuf).Sync == objectSync {
				return nil
			}
		}

		addr.Page++
		if addr.Page == e.reg.blocks[addr.Block].maxPages {
			addr.Block = e.reg.blocks[addr.Block].next
			addr.Page = 0
		}
	}

	return newErr(StatusFailedStore, nil, "object scan ran off the end of the chain")
}

// objectDelete walks the pages spanning the object at sid, clearing each
// one's page_use bit, and reclaims any block whose page_use bitmap
// becomes entirely clear, bridging it out of its chain first.
func (e *Engine) objectDelete(sid SID) error {
	addr := decodeSID(e.geom, sid)
	if addr.Page >= e.reg.blocks[addr.Block].maxPages || int(addr.Block) >= e.geom.NumBlocks {
		return newErr(StatusFailedStore, nil, "invalid address provided to delete: %d.%d", e.drv.PhysBlock(addr.Block), addr.Page)
	}

	hdrAddr := addr
	hdrBuf := make([]byte, headerSize)
	if err := e.reg.dataRead(&hdrAddr, hdrBuf); err != nil {
		return newErr(StatusFailedStore, err, "unable to read object header at %d.%d in delete", e.drv.PhysBlock(addr.Block), addr.Page)
	}
	hdr := decodeHeader(hdrBuf)
	if hdr.Object.SID != sid {
		return newErr(StatusFailedStore, nil, "attempting to delete object with invalid SID: %d != %d", hdr.Object.SID, sid)
	}

	currentBlock := driver.InvalidBlock
	var currentBlockFreePages int
	bytesLeft := int(hdr.Object.Size)

	for bytesLeft > 0 {
		if currentBlock != addr.Block {
			currentBlock = addr.Block
			currentBlockFreePages = countClearBits(e.reg.blocks[currentBlock].pageUse)
		}

		byteOffset := addr.Page / 8
		bitMask := byte(0x80) >> uint(addr.Page%8)
		if e.reg.blocks[addr.Block].pageUse[byteOffset]&bitMask != 0 {
			e.reg.blocks[addr.Block].pageUse[byteOffset] &^= bitMask
			currentBlockFreePages++
		}

		bytesToDelete := bytesLeft
		if bytesToDelete > e.geom.PageSize {
			bytesToDelete = e.geom.PageSize
		}
		bytesLeft -= bytesToDelete
		addr.Page++

		if addr.Page == e.reg.blocks[addr.Block].maxPages {
			next := e.reg.blocks[addr.Block].next
			if next == driver.InvalidBlock {
				return newErr(StatusFailedStore, nil, "no next block in middle of delete at %d", e.drv.PhysBlock(addr.Block))
			}
			addr.Block = next
			addr.Page = 0
		}

		if currentBlockFreePages >= int(e.reg.blocks[currentBlock].maxPages) {
			if bytesLeft != 0 {
				return newErr(StatusFailedStore, nil, "reclaiming block %d which contains undeleted data at page %d", e.drv.PhysBlock(currentBlock), addr.Page)
			}

			e.reg.unlink(currentBlock)
			if err := e.reg.reclaim(currentBlock); err != nil {
				e.log.WithField("block", e.drv.PhysBlock(currentBlock)).WithError(err).Warn("reclaimed block routed to bad list")
			}
		}
	}

	return nil
}

func countClearBits(pageUse []byte) int {
	count := 0
	for _, b := range pageUse {
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) == 0 {
				count++
			}
		}
	}
	return count
}
