// Package correlation hands out the 16-bit ids that tie a request frame to
// its reply.
//
// An id stays reserved from Allocate until Release. The brick echoes the id
// back, so two requests that are pending at the same time must never share
// one: a late reply for the first would be accepted as the answer to the
// second.
package correlation

import (
	"errors"
	"sync"
)

// Space is the number of distinct correlation ids.
const Space = 1 << 16

var ErrExhausted = errors.New("correlation id space exhausted")

// Allocator tracks pending ids in a bitfield and scans forward from a rotating
// cursor, so recently released ids are not immediately reused.
type Allocator struct {
	mu      sync.Mutex
	pending [Space / 64]uint64
	cursor  uint32
	count   int
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate reserves the next free id at or after the cursor. It fails with
// ErrExhausted when every id is pending; it never waits.
func (a *Allocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count >= Space {
		return 0, ErrExhausted
	}
	for i := 0; i < Space; i++ {
		id := (a.cursor + uint32(i)) & (Space - 1)
		word, bit := id>>6, uint64(1)<<(id&63)
		// Skip whole words that are fully pending.
		if a.pending[word] == ^uint64(0) {
			i += int(63 - (id & 63))
			continue
		}
		if a.pending[word]&bit != 0 {
			continue
		}
		a.pending[word] |= bit
		a.count++
		a.cursor = (id + 1) & (Space - 1)
		return uint16(id), nil
	}
	return 0, ErrExhausted
}

// Release makes id eligible for reuse. Only the low 16 bits are used;
// releasing an id that is not pending is a no-op.
func (a *Allocator) Release(id int) {
	v := uint32(id) & (Space - 1)
	word, bit := v>>6, uint64(1)<<(v&63)

	a.mu.Lock()
	if a.pending[word]&bit != 0 {
		a.pending[word] &^= bit
		a.count--
	}
	a.mu.Unlock()
}

func (a *Allocator) IsPending(id int) bool {
	v := uint32(id) & (Space - 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[v>>6]&(uint64(1)<<(v&63)) != 0
}

func (a *Allocator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
