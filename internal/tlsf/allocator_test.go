package tlsf

import (
	"testing"
	"unsafe"

	"go.uber.org/mock/gomock"

	"github.com/orizon-lang/tlsf/internal/tlsf/region"
	"github.com/orizon-lang/tlsf/internal/tlsf/rmutex"
)

func newTestAllocator(t *testing.T, poolSize uintptr) *Allocator {
	t.Helper()
	reg, err := region.NewBufferRegion(poolSize)
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewWithPool(reg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAllocatorMallocFree(t *testing.T) {
	t.Run("BasicAllocation", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		ptr, err := a.Malloc(128)
		if err != nil {
			t.Fatal(err)
		}
		if ptr == nil {
			t.Fatal("expected non-nil pointer")
		}
		if BlockSize(ptr) < 128 {
			t.Errorf("BlockSize = %d, want >= 128", BlockSize(ptr))
		}
		if err := a.Free(ptr); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ZeroSizeReturnsNil", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		ptr, err := a.Malloc(0)
		if err != nil {
			t.Fatal(err)
		}
		if ptr != nil {
			t.Error("expected nil for a zero-size request")
		}
	})

	t.Run("FreeNilIsNoOp", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		if err := a.Free(nil); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("DoubleFreeFails", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		ptr, err := a.Malloc(64)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Free(ptr); err != nil {
			t.Fatal(err)
		}
		if err := a.Free(ptr); err == nil {
			t.Fatal("expected an error freeing the same pointer twice")
		}
	})

	t.Run("ExhaustsPool", func(t *testing.T) {
		a := newTestAllocator(t, 4096)
		var ptrs []unsafe.Pointer
		for i := 0; i < 1000; i++ {
			ptr, err := a.Malloc(256)
			if err != nil {
				t.Fatal(err)
			}
			if ptr == nil {
				break
			}
			ptrs = append(ptrs, ptr)
		}
		if len(ptrs) == 0 {
			t.Fatal("expected at least one allocation before exhaustion")
		}
		for _, p := range ptrs {
			if err := a.Free(p); err != nil {
				t.Fatal(err)
			}
		}
	})

	t.Run("FreeCoalescesAdjacentBlocks", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		p1, err := a.Malloc(256)
		if err != nil {
			t.Fatal(err)
		}
		p2, err := a.Malloc(256)
		if err != nil {
			t.Fatal(err)
		}
		p3, err := a.Malloc(256)
		if err != nil {
			t.Fatal(err)
		}

		if err := a.Free(p1); err != nil {
			t.Fatal(err)
		}
		if err := a.Free(p2); err != nil {
			t.Fatal(err)
		}
		if err := a.Free(p3); err != nil {
			t.Fatal(err)
		}

		if err := a.Check(); err != nil {
			t.Fatalf("consistency check failed after coalescing: %v", err)
		}

		big, err := a.Malloc(700)
		if err != nil {
			t.Fatal(err)
		}
		if big == nil {
			t.Error("expected coalesced space to satisfy a request spanning all three original blocks")
		}
	})
}

func TestAllocatorRealloc(t *testing.T) {
	t.Run("GrowInPlace", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		ptr, err := a.Malloc(64)
		if err != nil {
			t.Fatal(err)
		}
		out := unsafe.Slice((*byte)(ptr), 64)
		for i := range out {
			out[i] = byte(i)
		}

		grown, err := a.Realloc(ptr, 512)
		if err != nil {
			t.Fatal(err)
		}
		if grown == nil {
			t.Fatal("expected a non-nil pointer after growing")
		}
		if grown != ptr {
			t.Error("expected growing into the free block that follows to return the same pointer")
		}
		grownOut := unsafe.Slice((*byte)(grown), 64)
		for i := range grownOut {
			if grownOut[i] != byte(i) {
				t.Fatalf("byte %d = %d, want %d (contents not preserved)", i, grownOut[i], byte(i))
			}
		}
	})

	t.Run("ShrinkInPlace", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		ptr, err := a.Malloc(512)
		if err != nil {
			t.Fatal(err)
		}
		shrunk, err := a.Realloc(ptr, 32)
		if err != nil {
			t.Fatal(err)
		}
		if shrunk != ptr {
			t.Error("expected an in-place shrink to return the same pointer")
		}
	})

	t.Run("NilPointerBehavesLikeMalloc", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		ptr, err := a.Realloc(nil, 128)
		if err != nil {
			t.Fatal(err)
		}
		if ptr == nil {
			t.Fatal("expected Realloc(nil, size) to allocate")
		}
	})

	t.Run("ZeroSizeBehavesLikeFree", func(t *testing.T) {
		a := newTestAllocator(t, 64*1024)
		ptr, err := a.Malloc(128)
		if err != nil {
			t.Fatal(err)
		}
		out, err := a.Realloc(ptr, 0)
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			t.Error("expected Realloc(ptr, 0) to return nil")
		}
	})
}

func TestAllocatorCalloc(t *testing.T) {
	a := newTestAllocator(t, 64*1024)
	ptr, err := a.Calloc(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	out := unsafe.Slice((*byte)(ptr), 128)
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestAllocatorMemalign(t *testing.T) {
	a := newTestAllocator(t, 64*1024)
	ptr, err := a.Memalign(256, 64)
	if err != nil {
		t.Fatal(err)
	}
	if ptr == nil {
		t.Fatal("expected a non-nil pointer")
	}
	if uintptr(ptr)%256 != 0 {
		t.Errorf("pointer %p is not aligned to 256 bytes", ptr)
	}
}

func TestAllocatorWalkPool(t *testing.T) {
	a := newTestAllocator(t, 4096)
	p1, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Malloc(128); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(p1); err != nil {
		t.Fatal(err)
	}

	var used, free int
	a.WalkPool(a.pools[0], func(ptr unsafe.Pointer, size uintptr, isUsed bool) {
		if isUsed {
			used++
		} else {
			free++
		}
	})
	if used == 0 {
		t.Error("expected at least one used block")
	}
	if free == 0 {
		t.Error("expected at least one free block")
	}
}

func TestAllocatorStrictChecking(t *testing.T) {
	reg, err := region.NewBufferRegion(64 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	a := New(WithStrictChecking())
	if _, err := a.AddPool(reg.Bytes()); err != nil {
		t.Fatal(err)
	}

	p1, err := a.Malloc(128)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.Malloc(256)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(p1); err != nil {
		t.Fatalf("strict check rejected a healthy free: %v", err)
	}
	grown, err := a.Realloc(p2, 1024)
	if err != nil {
		t.Fatalf("strict check rejected a healthy realloc: %v", err)
	}
	if err := a.Free(grown); err != nil {
		t.Fatalf("strict check rejected a healthy free: %v", err)
	}
}

func TestAllocatorIntrospection(t *testing.T) {
	if PoolOverhead() != 2*blockHeaderOverhead {
		t.Errorf("PoolOverhead() = %d, want %d", PoolOverhead(), 2*blockHeaderOverhead)
	}
	if AllocOverhead() != blockHeaderOverhead {
		t.Errorf("AllocOverhead() = %d, want %d", AllocOverhead(), blockHeaderOverhead)
	}

	a := newTestAllocator(t, 64*1024)
	pool := a.GetPool()
	if pool == nil {
		t.Fatal("expected GetPool to return the pool created by NewWithPool")
	}

	reg2, err := region.NewBufferRegion(4096)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddPool(reg2.Bytes()); err != nil {
		t.Fatal(err)
	}
	if got := a.GetPool(); got != nil {
		t.Errorf("expected GetPool to return nil once more than one pool is present, got %v", got)
	}
}

func TestAllocatorMemalignRejectsNonPowerOfTwoAlign(t *testing.T) {
	a := newTestAllocator(t, 64*1024)
	if _, err := a.Memalign(3, 64); err == nil {
		t.Fatal("expected Memalign to reject a non-power-of-two alignment")
	}
	if err := a.Check(); err != nil {
		t.Fatalf("rejected Memalign must leave allocator state untouched: %v", err)
	}

	ptr, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if ptr == nil {
		t.Fatal("expected the pool to still be fully usable after the rejected Memalign call")
	}
}

func TestCheckDetectsAdjacentFreeBlocks(t *testing.T) {
	a := newTestAllocator(t, 4096)

	p1, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}

	// Mark both blocks free and index them directly, bypassing mergeNext so
	// they stay two distinct free blocks sitting next to each other in
	// memory: the state an internal coalescing bug could leave behind, and
	// which prev-free-flag and free-list-membership checks alone miss.
	block1 := blockFromPtr(p1)
	block2 := blockFromPtr(p2)
	if err := blockMarkAsFree(block1); err != nil {
		t.Fatal(err)
	}
	if err := blockMarkAsFree(block2); err != nil {
		t.Fatal(err)
	}
	a.control.blockInsert(block1)
	a.control.blockInsert(block2)

	if err := a.Check(); err == nil {
		t.Fatal("expected Check to detect two adjacent free blocks that were never coalesced")
	}
}

func TestAllocatorLockFailurePropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockLock := rmutex.NewMockLocker(ctrl)
	mockLock.EXPECT().NewToken().Return(rmutex.Token(1)).AnyTimes()
	mockLock.EXPECT().Lock(rmutex.Token(1)).Return(assertionError{"lock failed"})

	a := New()
	a.lock = mockLock

	if _, err := a.Malloc(64); err == nil {
		t.Fatal("expected Malloc to fail when the lock cannot be acquired")
	}
}

type assertionError struct{ msg string }

func (e assertionError) Error() string { return e.msg }
