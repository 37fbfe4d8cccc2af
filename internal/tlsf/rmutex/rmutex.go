// Package rmutex provides a recursive mutual-exclusion primitive. The
// allocator facade locks it once per public call; Realloc reuses Malloc's
// and Free's internal steps under that single hold rather than locking
// again.
//
// Go has no notion of a thread id to key a classic recursive mutex on, so
// reentrancy here is explicit: the caller obtains a Token at the start of a
// logical operation and threads it through any nested Lock/Unlock calls
// that are part of the same operation. A Lock call presenting the current
// holder's token re-enters immediately instead of blocking.
package rmutex

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/tlsf/internal/tlsf/tlsferr"
)

// Token identifies one logical lock-holding chain.
type Token uint64

// Locker is the interface the allocator depends on, satisfied by *Mutex.
// It is defined so tests can substitute a mock that fails lock/unlock on
// demand.
type Locker interface {
	NewToken() Token
	Lock(tok Token) error
	Unlock(tok Token) error
}

// Mutex is a recursive mutex keyed on caller-supplied tokens.
type Mutex struct {
	mu    sync.Mutex
	cond  *sync.Cond
	held  bool
	owner Token
	depth int
	seq   uint64
}

// New returns a ready-to-use Mutex.
func New() *Mutex {
	m := &Mutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// NewToken returns a fresh token identifying a new logical operation. It is
// never zero, since zero is reserved to mean "no current holder".
func (m *Mutex) NewToken() Token {
	return Token(atomic.AddUint64(&m.seq, 1))
}

// Lock acquires the mutex. If tok already holds it, Lock re-enters and
// increments the hold depth instead of blocking.
func (m *Mutex) Lock(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held && m.owner == tok && tok != 0 {
		m.depth++
		return nil
	}
	for m.held {
		m.cond.Wait()
	}
	m.held = true
	m.owner = tok
	m.depth = 1
	return nil
}

// Unlock releases one level of tok's hold. The mutex is only released to
// other waiters once the hold depth returns to zero.
func (m *Mutex) Unlock(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held || m.owner != tok {
		return tlsferr.New(tlsferr.KindMutexUnlockFailed, "unlock called by non-owner")
	}
	m.depth--
	if m.depth == 0 {
		m.held = false
		m.owner = 0
		m.cond.Signal()
	}
	return nil
}
