// Package spiflash backs a driver.Driver onto a real SPI-NAND chip over
// periph.io/x/conn, adapting the chip-select-guarded transaction, status
// register polling, and page-program/erase primitives of a real SPI flash
// driver to the page/block addressing driver.Driver expects.
package spiflash

import (
	"fmt"
	"time"

	"github.com/jpswinski/flashstore/driver"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

const (
	cmdReadID             = 0x9F
	cmdRead               = 0x03
	cmdWriteEnable        = 0x06
	cmdPageProgram        = 0x02
	cmdBlockErase         = 0xD8
	cmdReadStatusRegister = 0x05

	statusBusy byte = 1 << 0
)

// txer and csPin are the narrow slices of spi.Conn and gpio.PinIO this
// package actually drives; Driver stores its collaborators through these
// rather than the full periph.io interfaces so a test can fake the wire
// without standing up every method periph.io declares.
type txer interface {
	Tx(w, r []byte) error
}

type csPin interface {
	Out(l gpio.Level) error
}

// Driver is a real SPI-NAND driver.Driver. addr is a 24-bit byte address
// computed from the logical (block, page) pair using the geometry the
// caller supplies; bad-block state is tracked in RAM, matching how the
// engine tracks it for every driver (no on-flash metadata in this core).
type Driver struct {
	conn txer
	cs   csPin
	geom driver.Geometry
	bad  map[driver.BlockIndex]bool

	blockSize int
}

// New builds a Driver talking to chip over conn, asserting cs low for the
// duration of every transaction.
func New(conn spi.Conn, cs gpio.PinIO, geom driver.Geometry) *Driver {
	return &Driver{
		conn:      conn,
		cs:        cs,
		geom:      geom,
		bad:       make(map[driver.BlockIndex]bool),
		blockSize: geom.PagesPerBlock * geom.PageSize,
	}
}

// tx wraps a full-duplex SPI transaction with chip-select assertion.
func (d *Driver) tx(buf []byte) (err error) {
	if err = d.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := d.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return d.conn.Tx(buf, buf)
}

func (d *Driver) byteAddr(addr driver.Address) int {
	return int(addr.Block)*d.blockSize + int(addr.Page)*d.geom.PageSize
}

func (d *Driver) writeEnable() error {
	return d.tx([]byte{cmdWriteEnable})
}

func (d *Driver) readStatus() (byte, error) {
	buf := []byte{cmdReadStatusRegister, 0}
	if err := d.tx(buf); err != nil {
		return 0, err
	}
	return buf[1], nil
}

// busyWait polls the status register until the busy bit clears or timeout
// elapses, the same fast-path-then-ticker loop a real SPI-NAND driver
// uses to turn an asynchronous program/erase into a synchronous call.
func (d *Driver) busyWait(interval, timeout time.Duration) error {
	sr, err := d.readStatus()
	if err == nil && sr&statusBusy == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("spiflash: timed out waiting for device ready")
		case <-ticker.C:
			sr, err := d.readStatus()
			if err != nil {
				return err
			}
			if sr&statusBusy == 0 {
				return nil
			}
		}
	}
}

func (d *Driver) Geometry() driver.Geometry { return d.geom }

func (d *Driver) PageRead(addr driver.Address, buf []byte) error {
	a := d.byteAddr(addr)
	txBuf := make([]byte, 4+len(buf))
	txBuf[0] = cmdRead
	txBuf[1] = byte(a >> 16)
	txBuf[2] = byte(a >> 8)
	txBuf[3] = byte(a)
	if err := d.tx(txBuf); err != nil {
		return err
	}
	copy(buf, txBuf[4:])
	return nil
}

func (d *Driver) PageWrite(addr driver.Address, buf []byte) error {
	if len(buf) > 256 {
		return fmt.Errorf("spiflash: page program limited to 256 bytes, got %d", len(buf))
	}
	if err := d.writeEnable(); err != nil {
		return err
	}

	a := d.byteAddr(addr)
	txBuf := make([]byte, 4+len(buf))
	txBuf[0] = cmdPageProgram
	txBuf[1] = byte(a >> 16)
	txBuf[2] = byte(a >> 8)
	txBuf[3] = byte(a)
	copy(txBuf[4:], buf)

	if err := d.tx(txBuf); err != nil {
		return err
	}
	return d.busyWait(100*time.Microsecond, time.Second)
}

func (d *Driver) BlockErase(block driver.BlockIndex) error {
	if err := d.writeEnable(); err != nil {
		return err
	}

	a := int(block) * d.blockSize
	buf := make([]byte, 4)
	buf[0] = cmdBlockErase
	buf[1] = byte(a >> 16)
	buf[2] = byte(a >> 8)
	buf[3] = byte(a)

	if err := d.tx(buf); err != nil {
		return err
	}
	return d.busyWait(time.Millisecond, 5*time.Second)
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

// ReadID returns the JEDEC ID of the attached chip, primarily useful for
// startup diagnostics; the engine itself never calls it.
func (d *Driver) ReadID() ([3]byte, error) {
	buf := make([]byte, 4)
	buf[0] = cmdReadID
	if err := d.tx(buf); err != nil {
		return [3]byte{}, err
	}
	return [3]byte(buf[1:]), nil
}
