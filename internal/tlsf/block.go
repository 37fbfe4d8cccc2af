package tlsf

import (
	"unsafe"

	"github.com/orizon-lang/tlsf/internal/tlsf/bits"
	"github.com/orizon-lang/tlsf/internal/tlsf/tlsferr"
)

// blockHeader precedes every block's payload in physical memory order.
// prevPhys is only valid when the block immediately before this one is
// free; nextFree/prevFree are only valid while this block itself is free,
// at which point they overlap what would otherwise be the start of its
// payload.
type blockHeader struct {
	prevPhys *blockHeader
	size     uintptr
	nextFree *blockHeader
	prevFree *blockHeader
}

const (
	blockHeaderFreeBit     uintptr = 1 << 0
	blockHeaderPrevFreeBit uintptr = 1 << 1
)

const (
	blockHeaderOverhead = unsafe.Sizeof(uintptr(0))
	blockStartOffset    = unsafe.Offsetof(blockHeader{}.size) + unsafe.Sizeof(uintptr(0))
	blockSizeMin        = unsafe.Sizeof(blockHeader{}) - unsafe.Sizeof((*blockHeader)(nil))
)

func blockSize(b *blockHeader) uintptr {
	return b.size &^ (blockHeaderFreeBit | blockHeaderPrevFreeBit)
}

func blockSetSize(b *blockHeader, size uintptr) {
	flags := b.size & (blockHeaderFreeBit | blockHeaderPrevFreeBit)
	b.size = size | flags
}

func blockIsLast(b *blockHeader) bool { return blockSize(b) == 0 }

func blockIsFree(b *blockHeader) bool { return b.size&blockHeaderFreeBit != 0 }

func blockSetFree(b *blockHeader) { b.size |= blockHeaderFreeBit }

func blockSetUsed(b *blockHeader) { b.size &^= blockHeaderFreeBit }

func blockIsPrevFree(b *blockHeader) bool { return b.size&blockHeaderPrevFreeBit != 0 }

func blockSetPrevFree(b *blockHeader) { b.size |= blockHeaderPrevFreeBit }

func blockSetPrevUsed(b *blockHeader) { b.size &^= blockHeaderPrevFreeBit }

func blockFromPtr(ptr unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(ptr) - blockStartOffset))
}

func blockToPtr(b *blockHeader) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + blockStartOffset)
}

// offsetToBlock walks delta bytes from ptr and reinterprets the result as a
// block header. delta may be negative, e.g. to step back from a payload
// pointer onto the header that precedes it.
func offsetToBlock(ptr unsafe.Pointer, delta int) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(ptr) + uintptr(delta)))
}

func blockPrev(b *blockHeader) (*blockHeader, error) {
	if !blockIsPrevFree(b) {
		return nil, tlsferr.New(tlsferr.KindPrevBlockNotFree, "block_prev: previous block is not free")
	}
	return b.prevPhys, nil
}

func blockNext(b *blockHeader) (*blockHeader, error) {
	if blockIsLast(b) {
		return nil, tlsferr.New(tlsferr.KindBlockIsLast, "block_next: block is last")
	}
	next := offsetToBlock(blockToPtr(b), int(blockSize(b))-int(blockHeaderOverhead))
	return next, nil
}

func blockLinkNext(b *blockHeader) (*blockHeader, error) {
	next, err := blockNext(b)
	if err != nil {
		return nil, err
	}
	next.prevPhys = b
	return next, nil
}

func blockMarkAsFree(b *blockHeader) error {
	next, err := blockLinkNext(b)
	if err != nil {
		return err
	}
	blockSetPrevFree(next)
	blockSetFree(b)
	return nil
}

func blockMarkAsUsed(b *blockHeader) error {
	next, err := blockNext(b)
	if err != nil {
		return err
	}
	blockSetPrevUsed(next)
	blockSetUsed(b)
	return nil
}

func blockCanSplit(b *blockHeader, size uintptr) bool {
	return blockSize(b) >= unsafe.Sizeof(blockHeader{})+size
}

// blockSplit carves size bytes (plus overhead) off the front of b and
// returns the remaining, still-physically-linked block, marked free.
func blockSplit(b *blockHeader, size uintptr) (*blockHeader, error) {
	remaining := offsetToBlock(blockToPtr(b), int(size)-int(blockHeaderOverhead))
	remainSize := blockSize(b) - (size + blockHeaderOverhead)

	aligned, err := bits.AlignPtr(blockToPtr(remaining), alignSize)
	if err != nil {
		return nil, err
	}
	if blockToPtr(remaining) != aligned {
		return nil, tlsferr.New(tlsferr.KindBlockNotAligned, "block_split: remainder misaligned")
	}
	if blockSize(b) != remainSize+size+blockHeaderOverhead {
		return nil, tlsferr.New(tlsferr.KindBlockSizeMismatch, "block_split: size mismatch")
	}

	blockSetSize(remaining, remainSize)
	if blockSize(remaining) < blockSizeMin {
		return nil, tlsferr.New(tlsferr.KindInvalidSplitSize, "block_split: remainder below minimum size")
	}

	blockSetSize(b, size)
	if err := blockMarkAsFree(remaining); err != nil {
		return nil, err
	}
	return remaining, nil
}

// blockAbsorb merges b into its immediately preceding physical block prev,
// which must not be the pool's sentinel (last) block.
func blockAbsorb(prev, b *blockHeader) (*blockHeader, error) {
	if blockIsLast(prev) {
		return nil, tlsferr.New(tlsferr.KindBlockIsLast, "block_absorb: cannot absorb into the last block")
	}
	prev.size += blockSize(b) + blockHeaderOverhead
	if _, err := blockLinkNext(prev); err != nil {
		return nil, err
	}
	return prev, nil
}
