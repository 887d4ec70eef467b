package correlation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAdvancesCursor(t *testing.T) {
	t.Parallel()
	a := NewAllocator()

	first, err := a.Allocate()
	require.NoError(t, err)
	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), first)
	assert.Equal(t, uint16(1), second)

	// A released id is not handed out again until the cursor wraps around.
	a.Release(int(first))
	third, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), third)
	assert.Equal(t, 2, a.PendingCount())
}

func TestReleaseIsIdempotentAndMasked(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	id, err := a.Allocate()
	require.NoError(t, err)

	a.Release(int(id) + Space) // masked to the same id
	assert.False(t, a.IsPending(int(id)))
	a.Release(int(id))
	assert.Equal(t, 0, a.PendingCount())
}

func TestExhaustionAndReuse(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	seen := make(map[uint16]struct{}, Space)
	for i := 0; i < Space; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "id %d handed out twice", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, Space, a.PendingCount())

	_, err := a.Allocate()
	require.ErrorIs(t, err, ErrExhausted)

	a.Release(4242)
	id, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(4242), id)
}

func TestCursorWrapsPastPendingWords(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	for i := 0; i < Space; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	// Free one id far behind the cursor; the scan must wrap to find it.
	a.Release(70)
	id, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(70), id)
}

func TestConcurrentAllocateNeverCollides(t *testing.T) {
	t.Parallel()
	a := NewAllocator()

	const workers = 16
	const perWorker = 2000
	var (
		mu   sync.Mutex
		held = make(map[uint16]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := a.Allocate()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if held[id] {
					mu.Unlock()
					t.Errorf("id %d allocated while pending", id)
					return
				}
				held[id] = true
				mu.Unlock()

				if i%2 == 0 {
					mu.Lock()
					delete(held, id)
					mu.Unlock()
					a.Release(int(id))
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(held), a.PendingCount())
}
