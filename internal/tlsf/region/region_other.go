//go:build !linux
// +build !linux

package region

// DefaultProvider falls back to heap-backed buffers on platforms without an
// anonymous-mapping implementation.
var DefaultProvider Provider = BufferProvider{}
