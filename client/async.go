package client

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs network actions on a single background goroutine and
// hands their results back through a caller-supplied marshaller, so a UI
// event loop never blocks on the socket. Actions run in submission order,
// one at a time, which also serializes access to a shared Conn.
type Dispatcher struct {
	post func(func())
	jobs chan func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	log *zap.Logger
}

// NewDispatcher starts the worker. post is called with each completion
// callback and must execute it on the caller's thread of choice; a UI
// toolkit's invoke-later is the typical implementation.
func NewDispatcher(post func(func()), log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		post: post,
		jobs: make(chan func(), 16),
		done: make(chan struct{}),
		log:  log,
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for job := range d.jobs {
		job()
	}
}

// Do schedules action on the worker and posts done with its result. After
// Close, submissions are dropped with a warning.
func (d *Dispatcher) Do(action func() (string, error), done func(string, error)) {
	job := func() {
		response, err := action()
		d.post(func() {
			done(response, err)
		})
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.Warn("Dispatcher closed, dropping action")
		return
	}

	d.jobs <- job
}

// Close stops accepting work and waits for queued actions to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	<-d.done
}
