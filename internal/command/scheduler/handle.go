package scheduler

import (
	"context"
	"sync"
)

// Handle is the deferred result of an enqueued request.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once

	res Result
	err error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID is the request id, generated at enqueue when the caller left it empty.
func (h *Handle) ID() string { return h.id }

// Done is closed once the request resolved or was rejected.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the request settles.
func (h *Handle) Result() (Result, error) {
	<-h.done
	return h.res, h.err
}

// Wait is Result bounded by ctx. Giving up waiting does not cancel the
// request; pass a cancellable ctx to Enqueue for that.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// settle resolves the handle once; later calls report false.
func (h *Handle) settle(res Result, err error) bool {
	settled := false
	h.once.Do(func() {
		h.res = res
		h.err = err
		settled = true
		close(h.done)
	})
	return settled
}
