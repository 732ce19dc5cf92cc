package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const backgroundQueueSize = 1024

type backgroundJob struct {
	run    func(ctx context.Context) error
	fields []zap.Field
}

// backgroundQueue runs collaborator calls on one goroutine in submission
// order, away from the read pumps and the fan-out path. A full queue drops
// the job.
type backgroundQueue struct {
	name    string
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan backgroundJob
	done   chan struct{}
}

func newBackgroundQueue(name string, timeout time.Duration, log *zap.Logger) *backgroundQueue {
	q := &backgroundQueue{
		name:    name,
		timeout: timeout,
		log:     log,
		jobs:    make(chan backgroundJob, backgroundQueueSize),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *backgroundQueue) submit(run func(ctx context.Context) error, fields ...zap.Field) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- backgroundJob{run: run, fields: fields}:
	default:
		q.log.Warn("Background queue full; dropping update",
			append(fields, zap.String("queue", q.name))...)
	}
}

func (q *backgroundQueue) loop() {
	defer close(q.done)
	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := job.run(ctx); err != nil {
			q.log.Warn("Background update failed",
				append(job.fields, zap.String("queue", q.name), zap.Error(err))...)
		}
		cancel()
	}
}

// close stops accepting jobs and waits for the queued ones to finish.
func (q *backgroundQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}

