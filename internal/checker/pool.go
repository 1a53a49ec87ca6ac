package checker

import (
	"sync"

	"pulse/internal/models"
)

// WorkerPool fans submitted monitors out to a fixed number of goroutines.
// A pool lives for one pass: Submit every item, then Stop to wait for them.
type WorkerPool struct {
	jobs     chan models.Monitor
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool starts size workers that call handle for each submitted monitor.
// A panicking handle is recovered and reported to onPanic, if set, and the
// worker moves on to the next job.
func NewWorkerPool(size int, handle func(models.Monitor), onPanic func(models.Monitor, any)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{jobs: make(chan models.Monitor, size*2)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for m := range p.jobs {
				runJob(m, handle, onPanic)
			}
		}()
	}
	return p
}

func runJob(m models.Monitor, handle func(models.Monitor), onPanic func(models.Monitor, any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(m, r)
		}
	}()
	handle(m)
}

// Submit queues m, blocking while every worker is busy and the buffer is full.
func (p *WorkerPool) Submit(m models.Monitor) {
	p.jobs <- m
}

// Stop closes the queue and waits for in-flight work to drain.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}
