package storage

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds the number of blocking filesystem calls a
// LocalFileStorage issues at once.
const DefaultWorkers = 64

// workerPool bounds concurrent blocking calls. Callers that cannot get a slot
// wait until one frees up or their context ends, so a slow disk backs up
// requests instead of piling OS threads onto it.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// do runs fn once a slot is available.
func (p *workerPool) do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
