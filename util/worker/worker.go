package worker

import (
	"sync"
)

type Task interface{}

// Worker is a named single-consumer queue. Tasks are handled one at a time on the worker's own goroutine,
// so the handler never runs concurrently with itself.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}

	// mu guards closed; senders hold the read lock so no task slips into the queue after Stop drained it.
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type TaskHandler interface {
	Handle(t Task)
}

// Drainer is implemented by handlers that want to be told about tasks still queued when the worker stops.
type Drainer interface {
	Drain(t Task)
}

type Starter interface {
	Start()
}

// Run consumes tasks until the worker is stopped. It blocks, so callers usually run it under an errgroup.
func (w *Worker) Run(handler TaskHandler) {
	if s, ok := handler.(Starter); ok {
		s.Start()
	}
	for {
		select {
		case <-w.closeCh:
			w.drain(handler)
			return
		default:
		}
		select {
		case t := <-w.receiver:
			handler.Handle(t)
		case <-w.closeCh:
			w.drain(handler)
			return
		}
	}
}

func (w *Worker) drain(handler TaskHandler) {
	d, _ := handler.(Drainer)
	for {
		select {
		case t := <-w.receiver:
			if d != nil {
				d.Drain(t)
			}
		default:
			return
		}
	}
}

// TrySend enqueues the task without blocking. It returns false when the queue is full or the worker
// has been stopped.
func (w *Worker) TrySend(t Task) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.sender <- t:
		return true
	default:
		return false
	}
}

// Stop asks the consumer loop to exit. It never blocks, so it is safe to call from inside a handler.
func (w *Worker) Stop() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.closeCh)
	})
}

func (w *Worker) Stopped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Len() int {
	return len(w.receiver)
}

const defaultWorkerCapacity = 128

func NewWorker(name string, capacity int) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		closeCh:  make(chan struct{}),
		name:     name,
	}
}
