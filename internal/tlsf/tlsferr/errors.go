// Package tlsferr defines the error vocabulary shared by the allocator's
// core packages. Failures reported as *Error carry a Kind so callers can
// branch on the failure class without parsing message text; the
// consistency checks (Check, CheckPool) report plain errors without one.
package tlsferr

// Kind classifies a failure reported by the allocator or one of its
// collaborators (region acquisition, locking).
type Kind int

const (
	// KindNone is the zero value and never appears on a returned error.
	KindNone Kind = iota

	// Pool and region lifecycle.
	KindHeapAlreadyMapped
	KindMmapFailed
	KindMunmapFailed
	KindPoolMisaligned
	KindPoolSizeOutOfRange
	KindPoolNotFound

	// Block and controller invariants.
	KindBlockNull
	KindBlockIsLast
	KindPrevBlockNull
	KindNextBlockNull
	KindPrevBlockNotFree
	KindBlockNotFree
	KindBlockAlreadyFreed
	KindFreeNullPointer
	KindBlockNotAligned
	KindBlockSizeMismatch
	KindInvalidSplitSize
	KindSecondLevelBitmapEmpty
	KindHeapExhausted

	// Shared utilities.
	KindAlignNotPowerOfTwo

	// Locking.
	KindMutexLockFailed
	KindMutexUnlockFailed
)

var messages = map[Kind]string{
	KindNone:                   "none",
	KindHeapAlreadyMapped:      "heap already mapped",
	KindMmapFailed:             "anonymous mapping failed",
	KindMunmapFailed:           "unmapping failed",
	KindPoolMisaligned:         "pool memory is not aligned",
	KindPoolSizeOutOfRange:     "pool size is out of the supported range",
	KindPoolNotFound:           "pool not found in this allocator",
	KindBlockNull:              "block is null",
	KindBlockIsLast:            "block is the last block in its pool",
	KindPrevBlockNull:          "previous physical block is null",
	KindNextBlockNull:          "next physical block is null",
	KindPrevBlockNotFree:       "previous physical block is not free",
	KindBlockNotFree:           "block is not free",
	KindBlockAlreadyFreed:      "block was already freed",
	KindFreeNullPointer:        "free called with a null pointer",
	KindBlockNotAligned:        "block is not correctly aligned",
	KindBlockSizeMismatch:      "block size does not match expected size",
	KindInvalidSplitSize:       "split would produce a block below the minimum size",
	KindSecondLevelBitmapEmpty: "second level bitmap unexpectedly empty",
	KindHeapExhausted:          "no suitable free block available",
	KindAlignNotPowerOfTwo:     "alignment must be a power of two",
	KindMutexLockFailed:        "failed to acquire allocator lock",
	KindMutexUnlockFailed:      "failed to release allocator lock",
}

// Error is the error type the packages under internal/tlsf use for
// failures that have a Kind. It wraps an optional underlying error and
// always carries a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return messages[e.Kind]
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a human-readable message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	te, ok := err.(*Error)
	if !ok {
		return false
	}
	return te.Kind == kind
}
