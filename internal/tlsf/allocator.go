package tlsf

import (
	"fmt"
	"unsafe"

	"github.com/orizon-lang/tlsf/internal/tlsf/bits"
	"github.com/orizon-lang/tlsf/internal/tlsf/region"
	"github.com/orizon-lang/tlsf/internal/tlsf/rmutex"
	"github.com/orizon-lang/tlsf/internal/tlsf/tlsferr"
)

// Config carries the allocator's construction-time options. Use New with
// Option values rather than constructing a Config directly.
type Config struct {
	strictChecking bool
	provider       region.Provider
}

// Option configures an Allocator at construction time.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		strictChecking: false,
		provider:       region.DefaultProvider,
	}
}

// WithStrictChecking runs a full consistency Check after every mutating
// operation and returns its failure instead of the operation's own result
// if one is found. Expensive; intended for tests and debugging, not
// production use.
func WithStrictChecking() Option {
	return func(c *Config) { c.strictChecking = true }
}

// WithProvider overrides the region.Provider AddRegionPool uses to acquire
// backing memory. The default is an anonymous mmap provider on Linux and a
// heap-backed buffer provider elsewhere.
func WithProvider(p region.Provider) Option {
	return func(c *Config) { c.provider = p }
}

// PoolHandle identifies one pool added to an Allocator, returned by AddPool
// and AddRegionPool and required by RemovePool and WalkPool.
type PoolHandle struct {
	base   unsafe.Pointer
	region region.Region // nil when the caller supplied the memory directly
}

// Allocator is a two-level segregated fit allocator over one or more
// pools. AddPool, AddRegionPool, RemovePool, Malloc, Calloc, Free, Realloc
// and Memalign serialize on the allocator's lock and are safe for
// concurrent use. WalkPool, Check, CheckPool and LastError do not take the
// lock and read the allocator's state directly.
type Allocator struct {
	cfg     *Config
	lock    rmutex.Locker
	control *controller
	pools   []*PoolHandle
	lastErr *tlsferr.Error
}

// New constructs an empty Allocator with no pools. Call AddPool or
// AddRegionPool before the first Malloc.
func New(opts ...Option) *Allocator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Allocator{
		cfg:     cfg,
		lock:    rmutex.New(),
		control: newController(),
	}
}

// NewWithPool constructs an Allocator and immediately adds mem as its first
// pool.
func NewWithPool(mem []byte, opts ...Option) (*Allocator, error) {
	a := New(opts...)
	if _, err := a.AddPool(mem); err != nil {
		return nil, err
	}
	return a, nil
}

// LastError returns the most recent failure recorded by this Allocator, or
// nil if none occurred yet. It is a convenience for callers migrating from
// errno-style allocators; every operation also returns its error directly.
func (a *Allocator) LastError() *tlsferr.Error {
	return a.lastErr
}

func (a *Allocator) fail(err error) error {
	if te, ok := err.(*tlsferr.Error); ok {
		a.lastErr = te
	}
	return err
}

// strictCheck runs Check after a mutating operation when WithStrictChecking
// is set, and reports its failure in place of err if the operation itself
// otherwise succeeded. Check and CheckPool read a.control and a.pools
// directly without locking, so this is safe to call while the caller still
// holds a.lock.
func (a *Allocator) strictCheck(err error) error {
	if err != nil || !a.cfg.strictChecking {
		return err
	}
	if cerr := a.Check(); cerr != nil {
		return a.fail(fmt.Errorf("strict check after operation: %w", cerr))
	}
	return nil
}

const poolOverhead = 2 * blockHeaderOverhead

// AddPool carves mem into a single free block and adds it to this
// allocator's free lists. mem's address must already be aligned to
// alignSize (8) bytes (region.Region implementations guarantee this; slices
// obtained elsewhere may not be). The returned PoolHandle is required by
// RemovePool and WalkPool.
func (a *Allocator) AddPool(mem []byte) (*PoolHandle, error) {
	tok := a.lock.NewToken()
	if err := a.lock.Lock(tok); err != nil {
		return nil, a.fail(tlsferr.Wrap(tlsferr.KindMutexLockFailed, "add_pool: lock", err))
	}
	defer a.lock.Unlock(tok)
	handle, err := a.addPoolLocked(mem, nil)
	if cerr := a.strictCheck(err); cerr != nil {
		return nil, cerr
	}
	return handle, err
}

// AddRegionPool acquires size bytes from this allocator's configured
// region.Provider and adds them as a pool in one step.
func (a *Allocator) AddRegionPool(size uintptr) (*PoolHandle, error) {
	tok := a.lock.NewToken()
	if err := a.lock.Lock(tok); err != nil {
		return nil, a.fail(tlsferr.Wrap(tlsferr.KindMutexLockFailed, "add_region_pool: lock", err))
	}
	defer a.lock.Unlock(tok)

	reg, err := a.cfg.provider.Acquire(size)
	if err != nil {
		return nil, a.fail(err)
	}
	handle, err := a.addPoolLocked(reg.Bytes(), reg)
	if err != nil {
		reg.Release()
		return nil, err
	}
	if cerr := a.strictCheck(nil); cerr != nil {
		return nil, cerr
	}
	return handle, nil
}

func (a *Allocator) addPoolLocked(mem []byte, reg region.Region) (*PoolHandle, error) {
	if len(mem) == 0 {
		return nil, a.fail(tlsferr.New(tlsferr.KindPoolSizeOutOfRange, "add_pool: pool must be non-empty"))
	}
	base := unsafe.Pointer(&mem[0])
	if uintptr(base)%alignSize != 0 {
		return nil, a.fail(tlsferr.New(tlsferr.KindPoolMisaligned, "add_pool: pool memory is not aligned"))
	}

	bytes := uintptr(len(mem))
	if bytes <= poolOverhead {
		return nil, a.fail(tlsferr.New(tlsferr.KindPoolSizeOutOfRange, "add_pool: pool too small to hold any block"))
	}
	poolBytes, err := bits.AlignDown(bytes-poolOverhead, alignSize)
	if err != nil {
		return nil, a.fail(err)
	}
	if poolBytes < blockSizeMin || poolBytes > blockSizeMax {
		return nil, a.fail(tlsferr.New(tlsferr.KindPoolSizeOutOfRange, "add_pool: pool size out of supported range"))
	}

	block := offsetToBlock(base, -int(blockHeaderOverhead))
	blockSetSize(block, poolBytes)
	blockSetFree(block)
	blockSetPrevUsed(block)
	a.control.blockInsert(block)

	next, err := blockLinkNext(block)
	if err != nil {
		return nil, a.fail(err)
	}
	blockSetSize(next, 0)
	blockSetUsed(next)
	blockSetPrevFree(next)

	handle := &PoolHandle{base: base, region: reg}
	a.pools = append(a.pools, handle)
	return handle, nil
}

// RemovePool removes pool from this allocator. The pool's single remaining
// free block must span the entire pool, i.e. nothing allocated from it may
// still be outstanding. If the pool was obtained via AddRegionPool, its
// backing region is released.
func (a *Allocator) RemovePool(pool *PoolHandle) error {
	tok := a.lock.NewToken()
	if err := a.lock.Lock(tok); err != nil {
		return a.fail(tlsferr.Wrap(tlsferr.KindMutexLockFailed, "remove_pool: lock", err))
	}
	defer a.lock.Unlock(tok)

	idx := -1
	for i, h := range a.pools {
		if h == pool {
			idx = i
			break
		}
	}
	if idx < 0 {
		return a.fail(tlsferr.New(tlsferr.KindPoolNotFound, "remove_pool: unknown pool"))
	}

	block := offsetToBlock(pool.base, -int(blockHeaderOverhead))
	if !blockIsFree(block) {
		return a.fail(tlsferr.New(tlsferr.KindBlockNotFree, "remove_pool: pool has outstanding allocations"))
	}
	if next, err := blockNext(block); err != nil || !blockIsLast(next) {
		return a.fail(tlsferr.New(tlsferr.KindBlockNotFree, "remove_pool: pool has outstanding allocations"))
	}
	fl, sl := mappingInsert(blockSize(block))
	a.control.removeFreeBlock(block, fl, sl)

	a.pools = append(a.pools[:idx], a.pools[idx+1:]...)

	if pool.region != nil {
		if err := pool.region.Release(); err != nil {
			return a.fail(err)
		}
	}
	return a.strictCheck(nil)
}

func adjustRequestSize(size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	aligned, err := bits.AlignUp(size, alignSize)
	if err != nil {
		return 0
	}
	if aligned >= blockSizeMax {
		return 0
	}
	return maxUintptr(aligned, blockSizeMin)
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

// Malloc returns a pointer to a block of at least size bytes, or nil if no
// pool has room. size of zero always returns nil.
func (a *Allocator) Malloc(size uintptr) (unsafe.Pointer, error) {
	tok := a.lock.NewToken()
	if err := a.lock.Lock(tok); err != nil {
		return nil, a.fail(tlsferr.Wrap(tlsferr.KindMutexLockFailed, "malloc: lock", err))
	}
	defer a.lock.Unlock(tok)
	ptr, err := a.mallocLocked(size)
	if cerr := a.strictCheck(err); cerr != nil {
		return ptr, cerr
	}
	return ptr, err
}

func (a *Allocator) mallocLocked(size uintptr) (unsafe.Pointer, error) {
	adjust := adjustRequestSize(size)
	block, err := a.control.locateFree(adjust)
	if err != nil {
		return nil, a.fail(err)
	}
	ptr, err := a.control.prepareUsed(block, adjust)
	if err != nil {
		return nil, a.fail(err)
	}
	return ptr, nil
}

// Calloc is Malloc followed by zeroing the returned block's payload.
func (a *Allocator) Calloc(count, size uintptr) (unsafe.Pointer, error) {
	total := count * size
	if count != 0 && total/count != size {
		return nil, a.fail(tlsferr.New(tlsferr.KindPoolSizeOutOfRange, "calloc: size overflow"))
	}
	ptr, err := a.Malloc(total)
	if err != nil || ptr == nil {
		return ptr, err
	}
	out := unsafe.Slice((*byte)(ptr), total)
	for i := range out {
		out[i] = 0
	}
	return ptr, nil
}

// Free returns ptr's block to its pool's free lists, coalescing with
// physically adjacent free blocks. Passing nil is a no-op.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	tok := a.lock.NewToken()
	if err := a.lock.Lock(tok); err != nil {
		return a.fail(tlsferr.Wrap(tlsferr.KindMutexLockFailed, "free: lock", err))
	}
	defer a.lock.Unlock(tok)
	err := a.freeLocked(ptr)
	return a.strictCheck(err)
}

func (a *Allocator) freeLocked(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	block := blockFromPtr(ptr)
	if blockIsFree(block) {
		return a.fail(tlsferr.New(tlsferr.KindBlockAlreadyFreed, "free: double free"))
	}
	if err := blockMarkAsFree(block); err != nil {
		return a.fail(err)
	}
	merged, err := a.control.mergePrev(block)
	if err != nil {
		return a.fail(err)
	}
	merged, err = a.control.mergeNext(merged)
	if err != nil {
		return a.fail(err)
	}
	a.control.blockInsert(merged)
	return nil
}

// Realloc resizes the block at ptr to size bytes, preserving its contents
// up to the smaller of the old and new sizes. ptr of nil behaves like
// Malloc; size of zero behaves like Free and returns nil.
func (a *Allocator) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	tok := a.lock.NewToken()
	if err := a.lock.Lock(tok); err != nil {
		return nil, a.fail(tlsferr.Wrap(tlsferr.KindMutexLockFailed, "realloc: lock", err))
	}
	defer a.lock.Unlock(tok)

	out, err := a.reallocLocked(ptr, size)
	if cerr := a.strictCheck(err); cerr != nil {
		return out, cerr
	}
	return out, err
}

func (a *Allocator) reallocLocked(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if ptr != nil && size == 0 {
		return nil, a.freeLocked(ptr)
	}
	if ptr == nil {
		return a.mallocLocked(size)
	}

	block := blockFromPtr(ptr)
	adjust := adjustRequestSize(size)
	curSize := blockSize(block)

	if adjust != 0 && adjust <= curSize {
		if err := a.control.trimUsed(block, adjust); err != nil {
			return nil, a.fail(err)
		}
		return ptr, nil
	}

	next, err := blockNext(block)
	if err != nil {
		return nil, a.fail(err)
	}
	if adjust != 0 && blockIsFree(next) {
		combined := curSize + blockSize(next) + blockHeaderOverhead
		if adjust <= combined {
			a.control.blockRemove(next)
			merged, err := blockAbsorb(block, next)
			if err != nil {
				return nil, a.fail(err)
			}
			// Absorbing a free block changes what now physically follows
			// merged; that block's prev-free flag still reflects the
			// absorbed block's old free status and must be corrected
			// before merged is handed back out as a used block.
			if err := blockMarkAsUsed(merged); err != nil {
				return nil, a.fail(err)
			}
			if err := a.control.trimUsed(merged, adjust); err != nil {
				return nil, a.fail(err)
			}
			return blockToPtr(merged), nil
		}
	}

	newPtr, err := a.mallocLocked(size)
	if err != nil {
		return nil, err
	}
	if newPtr == nil {
		return nil, nil
	}
	copyLen := curSize
	if size < copyLen {
		copyLen = size
	}
	copyMemory(newPtr, ptr, copyLen)
	if err := a.freeLocked(ptr); err != nil {
		return nil, a.fail(err)
	}
	return newPtr, nil
}

func copyMemory(dst, src unsafe.Pointer, n uintptr) {
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}

// Memalign returns a pointer aligned to align bytes (which must be a power
// of two) to a block of at least size bytes.
func (a *Allocator) Memalign(align, size uintptr) (unsafe.Pointer, error) {
	tok := a.lock.NewToken()
	if err := a.lock.Lock(tok); err != nil {
		return nil, a.fail(tlsferr.Wrap(tlsferr.KindMutexLockFailed, "memalign: lock", err))
	}
	defer a.lock.Unlock(tok)

	out, err := a.memalignLocked(align, size)
	if cerr := a.strictCheck(err); cerr != nil {
		return out, cerr
	}
	return out, err
}

func (a *Allocator) memalignLocked(align, size uintptr) (unsafe.Pointer, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, a.fail(tlsferr.New(tlsferr.KindAlignNotPowerOfTwo, "memalign: align must be a power of two"))
	}

	adjust := adjustRequestSize(size)
	gapMinimum := unsafe.Sizeof(blockHeader{})
	sizeWithGap := adjustRequestSize(adjust + align + gapMinimum)

	var alignedSize uintptr
	if adjust != 0 && align > alignSize {
		alignedSize = sizeWithGap
	} else {
		alignedSize = adjust
	}

	block, err := a.control.locateFree(alignedSize)
	if err != nil {
		return nil, a.fail(err)
	}
	if block == nil {
		return nil, nil
	}

	ptr := blockToPtr(block)
	aligned, err := bits.AlignPtr(ptr, align)
	if err != nil {
		return nil, a.fail(err)
	}

	gap := uintptr(aligned) - uintptr(ptr)
	if gap != 0 && gap < gapMinimum {
		gapRemain := gapMinimum - gap
		offset := maxUintptr(gapRemain, align)
		nextAligned := unsafe.Pointer(uintptr(aligned) + offset)
		aligned, err = bits.AlignPtr(nextAligned, align)
		if err != nil {
			return nil, a.fail(err)
		}
		gap = uintptr(aligned) - uintptr(ptr)
	}
	if gap != 0 {
		block, err = a.control.trimFreeLeading(block, gap)
		if err != nil {
			return nil, a.fail(err)
		}
	}

	resultPtr, err := a.control.prepareUsed(block, adjust)
	if err != nil {
		return nil, a.fail(err)
	}
	return resultPtr, nil
}

// BlockSize returns the internal size of the block at ptr, which may be
// larger than what was originally requested due to rounding and trimming.
func BlockSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	return blockSize(blockFromPtr(ptr))
}

// PoolOverhead returns the number of bytes AddPool consumes from a buffer
// before any of it becomes usable, i.e. the overhead of the pool's leading
// free block header plus its trailing sentinel. Callers sizing their own
// backing buffer should add this to the capacity they want available.
func PoolOverhead() uintptr {
	return poolOverhead
}

// AllocOverhead returns the per-allocation bookkeeping overhead a live
// block carries in addition to the bytes a caller requested.
func AllocOverhead() uintptr {
	return blockHeaderOverhead
}

// GetPool returns this Allocator's pool handle when it has exactly one pool
// (as right after NewWithPool), or nil when it has zero pools or more than
// one, however they were added. It exists for the single-pool
// convenience path; callers managing multiple pools should keep the
// handles AddPool/AddRegionPool already return.
func (a *Allocator) GetPool() *PoolHandle {
	if len(a.pools) != 1 {
		return nil
	}
	return a.pools[0]
}

// WalkFunc is called once per physical block in a pool during WalkPool, in
// address order.
type WalkFunc func(ptr unsafe.Pointer, size uintptr, used bool)

// WalkPool visits every physical block of pool in address order, including
// already-freed ones.
func (a *Allocator) WalkPool(pool *PoolHandle, walk WalkFunc) {
	block := offsetToBlock(pool.base, -int(blockHeaderOverhead))
	for block != nil && !blockIsLast(block) {
		walk(blockToPtr(block), blockSize(block), !blockIsFree(block))
		next, err := blockNext(block)
		if err != nil {
			return
		}
		block = next
	}
}

// Check walks every pool's free lists and bitmaps and returns an error
// describing the first inconsistency found, or nil if none.
func (a *Allocator) Check() error {
	for _, p := range a.pools {
		if err := a.CheckPool(p); err != nil {
			return err
		}
	}
	return a.checkBitmaps()
}

// CheckPool walks one pool's physical block chain and verifies each
// block's free/used bookkeeping is internally consistent.
func (a *Allocator) CheckPool(pool *PoolHandle) error {
	block := offsetToBlock(pool.base, -int(blockHeaderOverhead))
	prevFree := false
	for !blockIsLast(block) {
		if blockIsPrevFree(block) != prevFree {
			return fmt.Errorf("check_pool: prev-free flag mismatch at block %p", blockToPtr(block))
		}
		if blockIsFree(block) {
			fl, sl := mappingInsert(blockSize(block))
			found := false
			for b := a.control.blocks[fl][sl]; b != &a.control.blockNull; b = b.nextFree {
				if b == block {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("check_pool: free block %p missing from its free list", blockToPtr(block))
			}
		}
		prevFree = blockIsFree(block)
		next, err := blockNext(block)
		if err != nil {
			return err
		}
		if blockIsFree(block) && blockIsFree(next) {
			return fmt.Errorf("check_pool: adjacent free blocks at %p and %p were never coalesced", blockToPtr(block), blockToPtr(next))
		}
		block = next
	}
	return nil
}

func (a *Allocator) checkBitmaps() error {
	for fl := 0; fl < flIndexCount; fl++ {
		flBitSet := a.control.flBitmap&(1<<uint(fl)) != 0
		slNonZero := a.control.slBitmap[fl] != 0
		if flBitSet != slNonZero {
			return fmt.Errorf("check: fl bitmap bit %d inconsistent with sl bitmap state", fl)
		}
		for sl := 0; sl < slIndexCount; sl++ {
			slBitSet := a.control.slBitmap[fl]&(1<<uint(sl)) != 0
			hasBlock := a.control.blocks[fl][sl] != &a.control.blockNull
			if slBitSet != hasBlock {
				return fmt.Errorf("check: sl bitmap bit (%d,%d) inconsistent with free list head", fl, sl)
			}
		}
	}
	return nil
}
