// Command tlsf-bench drives a concurrent malloc/free/realloc workload
// against a single tlsf.Allocator and reports the mix of outcomes. It
// exists to exercise the allocator's lock under real contention rather
// than to produce a calibrated benchmark number.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/tlsf/internal/tlsf"
)

func main() {
	poolSize := flag.Int("pool-bytes", 16<<20, "pool size in bytes")
	workers := flag.Int("workers", 8, "number of concurrent workers")
	opsPerWorker := flag.Int("ops", 5000, "operations per worker")
	maxAlloc := flag.Int("max-alloc", 4096, "largest single allocation size in bytes")
	flag.Parse()

	alloc := tlsf.New()
	if _, err := alloc.AddRegionPool(uintptr(*poolSize)); err != nil {
		log.Fatalf("failed to acquire backing pool: %v", err)
	}

	var mallocs, frees, reallocs, failures uint64

	g, ctx := errgroup.WithContext(context.Background())
	semaphore := make(chan struct{}, *workers)

	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-semaphore }()

			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			var live []unsafe.Pointer

			for i := 0; i < *opsPerWorker; i++ {
				switch rng.Intn(3) {
				case 0:
					size := uintptr(rng.Intn(*maxAlloc) + 1)
					ptr, err := alloc.Malloc(size)
					if err != nil {
						atomic.AddUint64(&failures, 1)
						continue
					}
					atomic.AddUint64(&mallocs, 1)
					if ptr != nil {
						live = append(live, ptr)
					}
				case 1:
					if len(live) == 0 {
						continue
					}
					idx := rng.Intn(len(live))
					newSize := uintptr(rng.Intn(*maxAlloc) + 1)
					newPtr, err := alloc.Realloc(live[idx], newSize)
					if err != nil {
						atomic.AddUint64(&failures, 1)
						continue
					}
					live[idx] = newPtr
					atomic.AddUint64(&reallocs, 1)
				default:
					if len(live) == 0 {
						continue
					}
					idx := rng.Intn(len(live))
					ptr := live[idx]
					live[idx] = live[len(live)-1]
					live = live[:len(live)-1]

					if err := alloc.Free(ptr); err != nil {
						atomic.AddUint64(&failures, 1)
						continue
					}
					atomic.AddUint64(&frees, 1)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("workload failed: %v", err)
	}

	if err := alloc.Check(); err != nil {
		log.Fatalf("allocator failed consistency check: %v", err)
	}

	fmt.Printf("mallocs=%d frees=%d reallocs=%d failures=%d\n", mallocs, frees, reallocs, failures)
}
