package flashstore

import (
	"testing"

	"github.com/jpswinski/flashstore/driver"
	"github.com/jpswinski/flashstore/simdriver"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, geom driver.Geometry) (*Engine, *simdriver.Driver) {
	t.Helper()
	drv := simdriver.New(geom)
	e, _, err := Init(drv, ModeFormat, nil)
	require.NoError(t, err)
	return e, drv
}

// TestStoreRegistry_FillAndReuseHoles ports ut_flash.c's test_2.
func TestStoreRegistry_FillAndReuseHoles(t *testing.T) {
	e, _ := newTestEngine(t, driver.Geometry{NumBlocks: 64, PagesPerBlock: 16, PageSize: 32})

	handles := make([]int, MaxStores)
	for i := 0; i < MaxStores; i++ {
		h, err := e.Create(nil)
		require.NoError(t, err)
		handles[i] = h
	}

	_, err := e.Create(nil)
	require.Error(t, err)
	require.Equal(t, StatusInvalidHandle, StatusOf(err))

	for _, h := range handles {
		require.NoError(t, e.Destroy(h))
	}

	for i := 0; i < MaxStores; i++ {
		h, err := e.Create(nil)
		require.NoError(t, err)
		handles[i] = h
	}

	require.NoError(t, e.Destroy(3))
	h, err := e.Create(nil)
	require.NoError(t, err)
	require.Equal(t, 3, h)
}

// TestEnqueueDequeue_MultiPageRoundTrip exercises the object layer across
// a multi-page object and checks the exact byte pattern round-trips.
func TestEnqueueDequeue_MultiPageRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, driver.Geometry{NumBlocks: 8, PagesPerBlock: 16, PageSize: 32})

	h, err := e.Create(&StoreAttributes{MaxDataSize: 128})
	require.NoError(t, err)

	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i % 0xFF)
	}

	require.NoError(t, e.Enqueue(h, payload, nil))

	desc, err := e.Dequeue(h)
	require.NoError(t, err)
	require.Equal(t, int32(50), desc.Size)

	got := e.stores[h].readStage[headerSize : headerSize+50]
	require.Equal(t, payload, got)

	require.NoError(t, e.Release(h, desc.SID))
}

// TestEnqueueDequeue_WriteFailureRemap injects a write failure on a
// store's very first page: the engine reclaims the bad block, splices in
// a replacement, and the object still dequeues correctly with
// error_count == 1.
func TestEnqueueDequeue_WriteFailureRemap(t *testing.T) {
	e, drv := newTestEngine(t, driver.Geometry{NumBlocks: 8, PagesPerBlock: 4, PageSize: 16})

	h, err := e.Create(nil)
	require.NoError(t, err)

	drv.FailAt(0, 0, simdriver.FailWrite)

	payload := []byte("hello flash")
	require.NoError(t, e.Enqueue(h, payload, nil))

	stats := e.Stats(false, false)
	require.Equal(t, 1, stats.ErrorCount)

	desc, err := e.Dequeue(h)
	require.NoError(t, err)
	require.Equal(t, int32(len(payload)), desc.Size)
	got := e.stores[h].readStage[headerSize : headerSize+len(payload)]
	require.Equal(t, payload, got)
}

// TestRelinquish_DeleteTriggersReclaim enqueues enough objects to fill
// blocks and relinquishes all of them, which must return every block to
// the free list.
func TestRelinquish_DeleteTriggersReclaim(t *testing.T) {
	geom := driver.Geometry{NumBlocks: 8, PagesPerBlock: 4, PageSize: 64}
	e, _ := newTestEngine(t, geom)
	freeBefore := e.reg.freeCount()

	h, err := e.Create(&StoreAttributes{MaxDataSize: 64})
	require.NoError(t, err)

	var sids []SID
	// one object per page: fill two full blocks worth of pages.
	for i := 0; i < geom.PagesPerBlock*2; i++ {
		require.NoError(t, e.Enqueue(h, []byte{byte(i)}, nil))
	}

	for i := 0; i < geom.PagesPerBlock*2; i++ {
		desc, err := e.Dequeue(h)
		require.NoError(t, err)
		sids = append(sids, desc.SID)
		require.NoError(t, e.Release(h, desc.SID))
	}

	for _, sid := range sids {
		require.NoError(t, e.Relinquish(h, sid))
	}

	count, err := e.GetCount(h)
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Equal(t, freeBefore, e.reg.freeCount())
}

// TestDequeue_CorruptMidStreamScansPastIt corrupts A's sync marker,
// which makes its dequeue fail, but a subsequent dequeue still finds B.
func TestDequeue_CorruptMidStreamScansPastIt(t *testing.T) {
	e, drv := newTestEngine(t, driver.Geometry{NumBlocks: 8, PagesPerBlock: 8, PageSize: 64})

	h, err := e.Create(&StoreAttributes{MaxDataSize: 64})
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(h, []byte("A"), nil))
	require.NoError(t, e.Enqueue(h, []byte("B"), nil))

	// Corrupt A's header page directly through the driver.
	corrupt := make([]byte, 64)
	require.NoError(t, drv.PageRead(driver.Address{Block: 0, Page: 0}, corrupt))
	corrupt[0] ^= 0xFF
	require.NoError(t, drv.PageWrite(driver.Address{Block: 0, Page: 0}, corrupt))

	_, err = e.Dequeue(h)
	require.Error(t, err)

	desc, err := e.Dequeue(h)
	require.NoError(t, err)
	require.Equal(t, int32(1), desc.Size)
	got := e.stores[h].readStage[headerSize : headerSize+1]
	require.Equal(t, []byte("B"), got)
}

// TestInit_ProvisionsStoresFromConfig checks that every EngineConfig.Stores
// entry ends up as a usable, independently addressable store once Init
// returns, and that an unconfigured name resolves to nothing.
func TestInit_ProvisionsStoresFromConfig(t *testing.T) {
	drv := simdriver.New(driver.Geometry{NumBlocks: 16, PagesPerBlock: 8, PageSize: 16})
	cfg := &EngineConfig{
		LogLevel: "info",
		Stores: map[string]StoreConfig{
			"telemetry": {MaxDataSize: 64},
			"audit":     {MaxDataSize: 32},
		},
	}

	e, _, err := Init(drv, ModeFormat, cfg)
	require.NoError(t, err)

	telemetry, ok := e.Handle("telemetry")
	require.True(t, ok)
	audit, ok := e.Handle("audit")
	require.True(t, ok)
	require.NotEqual(t, telemetry, audit)

	_, ok = e.Handle("nonexistent")
	require.False(t, ok)

	require.NoError(t, e.Enqueue(telemetry, []byte("reading"), nil))
	count, err := e.GetCount(telemetry)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRelease_RejectsSecondReleaseWithoutDequeue(t *testing.T) {
	e, _ := newTestEngine(t, driver.Geometry{NumBlocks: 8, PagesPerBlock: 8, PageSize: 64})

	h, err := e.Create(&StoreAttributes{MaxDataSize: 64})
	require.NoError(t, err)
	require.NoError(t, e.Enqueue(h, []byte("x"), nil))

	desc, err := e.Dequeue(h)
	require.NoError(t, err)
	require.NoError(t, e.Release(h, desc.SID))

	// second release without an intervening dequeue must be rejected:
	// the stage is no longer locked.
	err = e.Release(h, desc.SID)
	require.Error(t, err)
}
