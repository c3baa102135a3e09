package flashstore

import (
	"testing"

	"github.com/jpswinski/flashstore/driver"
	"github.com/jpswinski/flashstore/simdriver"
	"github.com/stretchr/testify/require"
)

// TestBlockRegistry_MultiPageRoundTrip ports ut_flash.c's test_3
// verbatim: page_size=32, a raw 50-byte write lands the cursor at page 2,
// and reading 50 bytes back from the saved block yields the same
// i%0xFF pattern.
func TestBlockRegistry_MultiPageRoundTrip(t *testing.T) {
	const testDataSize = 50
	geom := driver.Geometry{NumBlocks: 8, PagesPerBlock: 16, PageSize: 32}
	drv := simdriver.New(geom)
	reg := newBlockRegistry(drv)
	for b := driver.BlockIndex(0); int(b) < geom.NumBlocks; b++ {
		require.NoError(t, reg.reclaim(b))
	}
	reg.used = 0

	testData := make([]byte, testDataSize)
	for i := range testData {
		testData[i] = byte(i % 0xFF)
	}

	block, err := reg.allocate()
	require.NoError(t, err)
	savedBlock := block
	addr := driver.Address{Block: block, Page: 0}

	_, err = reg.dataWrite(&addr, testData)
	require.NoError(t, err)
	require.Equal(t, int32(2), addr.Page)

	readData := make([]byte, testDataSize)
	addr = driver.Address{Block: savedBlock, Page: 0}
	require.NoError(t, reg.dataRead(&addr, readData))
	require.Equal(t, int32(2), addr.Page)
	require.Equal(t, testData, readData)
}
