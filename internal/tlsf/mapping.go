package tlsf

import "github.com/orizon-lang/tlsf/internal/tlsf/bits"

// mappingInsert computes the exact (fl, sl) class a block of this size
// belongs in when inserted into the free lists.
func mappingInsert(size uintptr) (fl, sl int) {
	if size < smallBlockSize {
		fl = 0
		sl = int(size / (smallBlockSize / slIndexCount))
		return fl, sl
	}
	fl = bits.FlsSizeT(size)
	sl = int(size>>uint(fl-slIndexCountLog2)) ^ (1 << slIndexCountLog2)
	fl -= flIndexShift - 1
	return fl, sl
}

// mappingSearch rounds size up to the next class boundary before mapping,
// so a search for "at least this many bytes" lands on a class that is
// guaranteed to satisfy it rather than one it merely fits the low end of.
func mappingSearch(size uintptr) (fl, sl int) {
	if size >= smallBlockSize {
		round := (uintptr(1) << uint(bits.FlsSizeT(size)-slIndexCountLog2)) - 1
		size += round
	}
	return mappingInsert(size)
}
