package flashstore

import (
	"testing"

	"github.com/jpswinski/flashstore/driver"
	"github.com/jpswinski/flashstore/simdriver"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, numBlocks int) (*blockRegistry, *simdriver.Driver) {
	t.Helper()
	geom := driver.Geometry{NumBlocks: numBlocks, PagesPerBlock: 16, PageSize: 32}
	drv := simdriver.New(geom)
	reg := newBlockRegistry(drv)
	for b := driver.BlockIndex(0); int(b) < numBlocks; b++ {
		require.NoError(t, reg.reclaim(b))
	}
	reg.errCount = 0
	reg.used = 0
	return reg, drv
}

// TestBlockRegistry_AllocateReclaimOrder ports ut_flash.c's test_1:
// allocate every block in order, reclaim in reverse, re-allocate and
// expect the reverse order back, then fail on the next allocation.
func TestBlockRegistry_AllocateReclaimOrder(t *testing.T) {
	const numBlocks = 256
	reg, _ := newTestRegistry(t, numBlocks)

	for i := 0; i < numBlocks; i++ {
		b, err := reg.allocate()
		require.NoError(t, err)
		require.Equal(t, driver.BlockIndex(i), b)
	}

	for i := 0; i < numBlocks; i++ {
		require.NoError(t, reg.reclaim(driver.BlockIndex(numBlocks-i-1)))
	}

	for i := 0; i < numBlocks; i++ {
		b, err := reg.allocate()
		require.NoError(t, err)
		require.Equal(t, driver.BlockIndex(numBlocks-i-1), b)
	}

	_, err := reg.allocate()
	require.Error(t, err)
}

func TestBlockRegistry_ReclaimRoutesBadBlockToBadList(t *testing.T) {
	reg, drv := newTestRegistry(t, 4)

	b, err := reg.allocate()
	require.NoError(t, err)
	drv.MarkBadDirect(b)

	err = reg.reclaim(b)
	require.Error(t, err)
	require.Equal(t, 1, reg.badCount())
	require.Equal(t, 3, reg.freeCount())
}

func TestBlockRegistry_AllocateSkipsUnerasableBlocks(t *testing.T) {
	reg, drv := newTestRegistry(t, 4)
	drv.FailAt(0, 0, simdriver.FailErase)

	b, err := reg.allocate()
	require.NoError(t, err)
	require.Equal(t, driver.BlockIndex(1), b)
	require.Equal(t, 1, reg.badCount())
	require.Equal(t, 1, reg.errCount)
}
