// Package blockdev backs a driver.Driver onto a real file or block device,
// using O_DIRECT aligned I/O via github.com/ncw/directio so pages are read
// and written without going through the page cache — the same concern
// O_DIRECT serves for any real flash translation layer sitting under a
// filesystem. OpenSample instead backs a Driver with an in-process sample
// device built on github.com/dsnet/golib/memfile, which implements the same
// io.ReaderAt/io.WriterAt shape a real file does. Nothing falls back to it
// automatically: the CLI runs on the simdriver package when no device path
// is given.
package blockdev

import (
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
	"github.com/jpswinski/flashstore/driver"
)

// device is the minimal surface blockdev needs from its backing storage;
// *os.File (opened via directio.OpenFile) and *memfile.File both satisfy
// it.
type device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Driver is a driver.Driver backed by a flat image file, one block's
// worth of bytes per block, pages laid out consecutively within it. Bad
// blocks are tracked in a small in-memory table alongside the image, since
// a plain block device has no native bad-block reporting; BlockErase
// writes zeros over every page of the block.
type Driver struct {
	geom driver.Geometry
	dev  device
	bad  map[driver.BlockIndex]bool

	blockSize int
	// blk is a directio-aligned scratch buffer reused across PageRead/
	// PageWrite so every I/O stays aligned even though callers hand us
	// plain, possibly-unaligned-length byte slices.
	blk []byte
}

// Open backs a Driver onto path using O_DIRECT. The file is created and
// sized to geom.NumBlocks*geom.PagesPerBlock*geom.PageSize if it does not
// already exist.
func Open(path string, geom driver.Geometry) (*Driver, error) {
	size := int64(geom.NumBlocks) * int64(geom.PagesPerBlock) * int64(geom.PageSize)

	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	return newDriver(f, geom), nil
}

// OpenSample creates an in-process sample device backed by memfile,
// useful for CLI smoke-tests and for exercising this driver's geometry
// translation without a real block device.
func OpenSample(geom driver.Geometry) *Driver {
	size := int(geom.NumBlocks) * geom.PagesPerBlock * geom.PageSize
	return newDriver(memfile.New(make([]byte, size)), geom)
}

func newDriver(dev device, geom driver.Geometry) *Driver {
	blockSize := geom.PagesPerBlock * geom.PageSize
	return &Driver{
		geom:      geom,
		dev:       dev,
		bad:       make(map[driver.BlockIndex]bool),
		blockSize: blockSize,
		blk:       directio.AlignedBlock(alignUp(geom.PageSize, directio.AlignSize)),
	}
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return (n/align + 1) * align
}

// Close releases the backing device.
func (d *Driver) Close() error { return d.dev.Close() }

func (d *Driver) offset(addr driver.Address) int64 {
	return int64(addr.Block)*int64(d.blockSize) + int64(addr.Page)*int64(d.geom.PageSize)
}

func (d *Driver) Geometry() driver.Geometry { return d.geom }

func (d *Driver) PageRead(addr driver.Address, buf []byte) error {
	n, err := d.dev.ReadAt(d.blk, d.offset(addr))
	if err != nil && err != io.EOF {
		return err
	}
	copy(buf, d.blk[:n])
	return nil
}

func (d *Driver) PageWrite(addr driver.Address, buf []byte) error {
	off := d.offset(addr)
	for i := range d.blk {
		d.blk[i] = 0
	}
	// blk can be longer than a page; read the bytes after this page first
	// so writing blk back leaves them unchanged.
	if _, err := d.dev.ReadAt(d.blk, off); err != nil && err != io.EOF {
		return err
	}
	page := d.blk[:d.geom.PageSize]
	for i := range page {
		page[i] = 0
	}
	copy(page, buf)
	_, err := d.dev.WriteAt(d.blk, off)
	return err
}

func (d *Driver) BlockErase(block driver.BlockIndex) error {
	zero := make([]byte, d.geom.PageSize)
	for p := 0; p < d.geom.PagesPerBlock; p++ {
		if err := d.PageWrite(driver.Address{Block: block, Page: int32(p)}, zero); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) IsBad(block driver.BlockIndex) bool {
	return d.bad[block]
}

func (d *Driver) MarkBad(block driver.BlockIndex) error {
	d.bad[block] = true
	return nil
}

func (d *Driver) PhysBlock(block driver.BlockIndex) int {
	return int(block)
}
