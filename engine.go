// Package flashstore implements a persistent, queue-like object store
// built directly atop a raw NAND flash device reachable only through the
// driver.Driver capability: page-granular reads/writes, block-granular
// erase, and bad-block quarantine. It owns the free/bad block lists, the
// linked-block write/read cursors of each logical store, object framing
// with sync-marker recovery, and the page-level deletion bitmap that
// drives block reclamation.
package flashstore

import (
	"sort"
	"strings"
	"sync"

	"github.com/jpswinski/flashstore/driver"
	"github.com/jpswinski/flashstore/internal/clock"
	"github.com/jpswinski/flashstore/metrics"
	"github.com/sirupsen/logrus"
)

// InitMode selects Init's behavior on first use of a device.
type InitMode int

const (
	// ModeFormat reclaims every block (distributing each to the free or
	// bad list per the driver's IsBad) and discards any prior content.
	ModeFormat InitMode = iota
	// ModeRecover would reconstruct block-control state from on-flash
	// metadata after a restart. It is unimplemented: see
	// ErrRecoverUnsupported.
	ModeRecover
)

// Stats is a point-in-time snapshot of the block registry's counts.
type Stats struct {
	FreeBlocks int
	UsedBlocks int
	BadBlocks  int
	ErrorCount int
}

// Engine is the single value owning the block registry, the store table,
// and the injected driver — the reference implementation's process-wide
// globals re-architected as an explicit value threaded through every
// operation. All public methods lock mu around their body; the engine
// never suspends internally, so the lock is held only for straight-line
// work.
type Engine struct {
	mu sync.Mutex

	drv  driver.Driver
	geom driver.Geometry
	reg  *blockRegistry

	stores [MaxStores]storeRecord
	// named holds the handle Init assigned to each EngineConfig.Stores
	// entry, keyed by its config name.
	named map[string]int

	clock clock.Clock

	log     *logrus.Logger
	metrics *metrics.Collector

	lastObservedErrors int
}

// SetClock overrides the engine's time source; used by tests that need a
// deterministic write timestamp. Init wires a clock.System by default.
func (e *Engine) SetClock(c clock.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = c
}

func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Init creates the engine over drv. In ModeFormat every block is
// reclaimed (routed to free or bad per drv.IsBad) and the reclaimed count
// is returned. ModeRecover is rejected: see ErrRecoverUnsupported.
func Init(drv driver.Driver, mode InitMode, cfg *EngineConfig) (*Engine, int, error) {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}

	log := logrus.New()
	log.SetLevel(parseLogLevel(cfg.LogLevel))

	e := &Engine{
		drv:     drv,
		geom:    drv.Geometry(),
		reg:     newBlockRegistry(drv),
		clock:   clock.System{},
		log:     log,
		metrics: metrics.NewCollector(),
	}

	if mode == ModeRecover {
		return nil, 0, newErr(StatusFailedStore, ErrRecoverUnsupported, "init in recover mode")
	}

	reclaimed := 0
	for b := driver.BlockIndex(0); int(b) < e.geom.NumBlocks; b++ {
		if err := e.reg.reclaim(b); err == nil {
			reclaimed++
		}
	}
	e.reg.errCount = 0
	e.reg.used = 0

	log.WithField("reclaimed", reclaimed).Debug("flash store formatted")

	// Provision the stores named in cfg.Stores, in lexical name order so
	// handle assignment is deterministic across runs of the same config.
	names := make([]string, 0, len(cfg.Stores))
	for name := range cfg.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	e.named = make(map[string]int, len(names))
	for _, name := range names {
		sc := cfg.Stores[name]
		h, err := e.createStore(&StoreAttributes{MaxDataSize: sc.MaxDataSize})
		if err != nil {
			return nil, reclaimed, newErr(StatusFailedStore, err, "provisioning configured store %q", name)
		}
		e.named[name] = h
		log.WithFields(logrus.Fields{"name": name, "handle": h}).Debug("provisioned configured store")
	}

	return e, reclaimed, nil
}

// Handle returns the store handle Init assigned to the named entry in
// EngineConfig.Stores, or ok == false if cfg had no such entry.
func (e *Engine) Handle(name string) (handle int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.named[name]
	return h, ok
}

// Stats returns a snapshot of the block registry's counts. When log is
// true it also emits one debug-level log line carrying the counts plus one
// line per bad block giving its physical identity; when resetErrors is true, ErrorCount is
// zeroed after the snapshot is taken (the snapshot itself still reflects
// the pre-reset value).
func (e *Engine) Stats(log, resetErrors bool) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		FreeBlocks: e.reg.freeCount(),
		UsedBlocks: e.reg.usedCount(),
		BadBlocks:  e.reg.badCount(),
		ErrorCount: e.reg.errCount,
	}

	if log {
		e.log.WithFields(logrus.Fields{
			"free": s.FreeBlocks, "used": s.UsedBlocks, "bad": s.BadBlocks, "errors": s.ErrorCount,
		}).Debug("flash store stats")
		for b := e.reg.bad.out; b != driver.InvalidBlock; b = e.reg.blocks[b].next {
			e.log.WithField("block", e.drv.PhysBlock(b)).Debug("bad block")
		}
	}

	e.metrics.Observe(s.FreeBlocks, s.UsedBlocks, s.BadBlocks, s.ErrorCount-e.lastObservedErrors)
	e.lastObservedErrors = s.ErrorCount

	if resetErrors {
		e.reg.errCount = 0
		e.lastObservedErrors = 0
	}

	return s
}

// Create provisions a new logical store and returns its handle, or
// InvalidHandle if the store table is full or attr is invalid.
func (e *Engine) Create(attr *StoreAttributes) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createStore(attr)
}

// Destroy releases handle's staging buffers and frees its slot for reuse.
// handle must currently be in use.
func (e *Engine) Destroy(handle int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handle < 0 || handle >= MaxStores || !e.stores[handle].inUse {
		return newErr(StatusInvalidHandle, nil, "handle %d is not in use", handle)
	}
	return e.destroyStore(handle)
}

// Enqueue appends an object built from data1||data2 to handle's store.
// It takes no timeout: the engine never suspends internally, so it returns
// as soon as the write completes or fails.
func (e *Engine) Enqueue(handle int, data1, data2 []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle < 0 || handle >= MaxStores || !e.stores[handle].inUse {
		return newErr(StatusInvalidHandle, nil, "handle %d is not in use", handle)
	}
	fs := &e.stores[handle]

	if fs.writeAddr.Block == driver.InvalidBlock {
		b, err := e.reg.allocate()
		if err != nil {
			return newErr(StatusFailedStore, err, "failed to allocate write block first time")
		}
		fs.writeAddr = driver.Address{Block: b, Page: 0}
	}
	bootstrapRead := fs.readAddr.Block == driver.InvalidBlock

	landed, err := e.objectWrite(fs, int32(handle), data1, data2)
	if err != nil {
		return err
	}
	// Set the read cursor from where the object actually landed, not a
	// pre-write snapshot of the write cursor: a write-failure remap on
	// this object's first page (only possible on the store's very first
	// enqueue, before any block chain exists to repoint) would otherwise
	// leave the read cursor pointing at the block that got reclaimed out
	// from under it.
	if bootstrapRead {
		fs.readAddr = landed
	}
	fs.objectCount++
	return nil
}

// Dequeue returns the next object in handle's store in FIFO order,
// locking the read stage until Release is called. If the store is empty
// it returns StatusTimeout immediately. If the read fails (e.g.
// corruption), the read cursor is scanned forward past the bad region so
// a subsequent Dequeue can recover, but this call still reports failure.
func (e *Engine) Dequeue(handle int) (*ObjectDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle < 0 || handle >= MaxStores || !e.stores[handle].inUse {
		return nil, newErr(StatusInvalidHandle, nil, "handle %d is not in use", handle)
	}
	fs := &e.stores[handle]

	if fs.readAddr == fs.writeAddr {
		return nil, newErr(StatusTimeout, nil, "store %d is empty", handle)
	}

	desc, err := e.objectRead(fs, int32(handle), &fs.readAddr)
	if err != nil {
		_ = e.objectScan(&fs.readAddr)
		return nil, err
	}
	return desc, nil
}

// Retrieve reads the object at sid directly, independent of the read
// cursor, locking the read stage on success.
func (e *Engine) Retrieve(handle int, sid SID) (*ObjectDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle < 0 || handle >= MaxStores || !e.stores[handle].inUse {
		return nil, newErr(StatusInvalidHandle, nil, "handle %d is not in use", handle)
	}
	fs := &e.stores[handle]

	addr := decodeSID(e.geom, sid)
	return e.objectRead(fs, int32(handle), &addr)
}

// Release unlocks the read stage after a successful Dequeue/Retrieve,
// verifying sid matches what is currently staged. It must be called
// exactly once per successful Dequeue/Retrieve before the next one.
func (e *Engine) Release(handle int, sid SID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle < 0 || handle >= MaxStores || !e.stores[handle].inUse {
		return newErr(StatusInvalidHandle, nil, "handle %d is not in use", handle)
	}
	fs := &e.stores[handle]

	if !fs.stageLocked {
		return newErr(StatusFailedStore, nil, "no locked read to release")
	}

	staged := decodeHeader(fs.readStage)
	if staged.Object.SID != sid {
		return newErr(StatusFailedStore, nil, "object being released does not have correct SID, requested: %d, actual: %d", sid, staged.Object.SID)
	}
	fs.stageLocked = false
	return nil
}

// Relinquish deletes the object identified by sid from flash and
// decrements the store's object count. The caller must have already
// dequeued the object out of the live queue region; relinquish does not
// consult the cursors.
func (e *Engine) Relinquish(handle int, sid SID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle < 0 || handle >= MaxStores || !e.stores[handle].inUse {
		return newErr(StatusInvalidHandle, nil, "handle %d is not in use", handle)
	}
	fs := &e.stores[handle]

	if err := e.objectDelete(sid); err != nil {
		return err
	}
	fs.objectCount--
	return nil
}

// GetCount returns handle's live object count.
func (e *Engine) GetCount(handle int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle < 0 || handle >= MaxStores || !e.stores[handle].inUse {
		return 0, newErr(StatusInvalidHandle, nil, "handle %d is not in use", handle)
	}
	return e.stores[handle].objectCount, nil
}
