// Package tlsf implements a two-level segregated fit allocator: O(1)
// malloc, free, realloc and memalign over one or more caller-supplied
// memory pools, indexed by a two-level power-of-two bitmap so the best-fit
// search never walks a free list.
package tlsf
