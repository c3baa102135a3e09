package blockdev

import (
	"path/filepath"
	"testing"

	"github.com/jpswinski/flashstore/driver"
	"github.com/stretchr/testify/require"
)

func testGeom() driver.Geometry {
	return driver.Geometry{NumBlocks: 4, PagesPerBlock: 4, PageSize: 64}
}

func TestOpenSample_PageRoundTrip(t *testing.T) {
	d := OpenSample(testGeom())
	defer d.Close()

	addr := driver.Address{Block: 2, Page: 1}
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, d.PageWrite(addr, payload))

	got := make([]byte, 64)
	require.NoError(t, d.PageRead(addr, got))
	require.Equal(t, payload, got)
}

func TestOpenSample_BlockEraseZeroesEveryPage(t *testing.T) {
	geom := testGeom()
	d := OpenSample(geom)
	defer d.Close()

	for p := 0; p < geom.PagesPerBlock; p++ {
		buf := make([]byte, geom.PageSize)
		for i := range buf {
			buf[i] = 0xFF
		}
		require.NoError(t, d.PageWrite(driver.Address{Block: 1, Page: int32(p)}, buf))
	}

	require.NoError(t, d.BlockErase(driver.BlockIndex(1)))

	zero := make([]byte, geom.PageSize)
	for p := 0; p < geom.PagesPerBlock; p++ {
		got := make([]byte, geom.PageSize)
		require.NoError(t, d.PageRead(driver.Address{Block: 1, Page: int32(p)}, got))
		require.Equal(t, zero, got)
	}
}

func TestOpenSample_BadBlockTracking(t *testing.T) {
	d := OpenSample(testGeom())
	defer d.Close()

	require.False(t, d.IsBad(driver.BlockIndex(0)))
	require.NoError(t, d.MarkBad(driver.BlockIndex(0)))
	require.True(t, d.IsBad(driver.BlockIndex(0)))
}

// TestOpen_PageRoundTrip exercises the directio-backed path against a real
// file on disk, rather than memfile's in-process backing store.
func TestOpen_PageRoundTrip(t *testing.T) {
	geom := testGeom()
	path := filepath.Join(t.TempDir(), "flash.img")

	d, err := Open(path, geom)
	if err != nil {
		t.Skipf("directio unavailable on this filesystem: %v", err)
	}
	defer d.Close()

	addr := driver.Address{Block: 3, Page: 2}
	payload := make([]byte, geom.PageSize)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	require.NoError(t, d.PageWrite(addr, payload))

	got := make([]byte, geom.PageSize)
	require.NoError(t, d.PageRead(addr, got))
	require.Equal(t, payload, got)
}
