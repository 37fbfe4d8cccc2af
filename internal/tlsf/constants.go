package tlsf

// Size-class geometry. These mirror the classic TLSF layout: sizes below
// smallBlockSize are binned linearly, sizes at or above it are binned by
// (most-significant-bit, next slIndexCountLog2 bits).
const (
	alignSizeLog2    = 3
	alignSize        = 1 << alignSizeLog2 // 8 bytes, the size of the one-word header overhead
	slIndexCountLog2 = 5
	slIndexCount     = 1 << slIndexCountLog2 // 32 second-level classes per first-level class
	flIndexShift     = slIndexCountLog2 + alignSizeLog2
	flIndexMax       = 32
	flIndexCount     = flIndexMax - flIndexShift + 1
	smallBlockSize   = 1 << flIndexShift

	// blockSizeMax bounds the size of any single block this allocator can
	// represent; it is also the ceiling a pool's usable bytes must fall
	// under.
	blockSizeMax uintptr = 1 << flIndexMax
)
