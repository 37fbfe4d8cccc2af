//go:build linux
// +build linux

package region

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/tlsf/internal/tlsf/tlsferr"
)

// AnonymousRegion is a Region backed by an anonymous mmap mapping. It is
// the preferred provider on Linux: the mapping is page-aligned (always a
// multiple of the allocator's 8-byte alignment requirement) and lives
// outside the Go heap, so the allocator's own bookkeeping never competes
// with the garbage collector for the same bytes.
type AnonymousRegion struct {
	buf []byte
}

// NewAnonymousRegion maps at least size bytes of anonymous, read-write
// memory.
func NewAnonymousRegion(size uintptr) (*AnonymousRegion, error) {
	if size == 0 {
		return nil, fmt.Errorf("region: size must be non-zero")
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, tlsferr.Wrap(tlsferr.KindMmapFailed, "anonymous mmap", err)
	}
	return &AnonymousRegion{buf: buf}, nil
}

func (r *AnonymousRegion) Bytes() []byte { return r.buf }

// Release unmaps the region. The region must not be used afterwards.
func (r *AnonymousRegion) Release() error {
	if r.buf == nil {
		return nil
	}
	if err := unix.Munmap(r.buf); err != nil {
		return tlsferr.Wrap(tlsferr.KindMunmapFailed, "munmap", err)
	}
	r.buf = nil
	return nil
}

// AnonymousProvider hands out AnonymousRegions via mmap.
type AnonymousProvider struct{}

func (AnonymousProvider) Acquire(size uintptr) (Region, error) {
	return NewAnonymousRegion(size)
}

// DefaultProvider is the Provider new allocators use unless overridden:
// mmap on Linux, heap-backed buffers everywhere else.
var DefaultProvider Provider = AnonymousProvider{}
