package trace

import (
	"sync"
)

// Worker drains row chunks pushed by many client goroutines through a
// single buffered channel and forwards each chunk to a Sink in arrival
// order, so the sink itself never needs its own locking.
type Worker struct {
	sink   Sink
	chunks chan []Entry
	done   chan struct{}
	err    error
	errMu  sync.Mutex
}

// NewWorker starts a background goroutine draining chunks into sink.
// queueDepth bounds how many pending chunks may be buffered before a
// client's Push call blocks, applying backpressure.
func NewWorker(sink Sink, queueDepth int) *Worker {
	if sink == nil {
		sink = NoopSink{}
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	w := &Worker{
		sink:   sink,
		chunks: make(chan []Entry, queueDepth),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for chunk := range w.chunks {
		if err := w.sink.Export(chunk); err != nil {
			w.errMu.Lock()
			if w.err == nil {
				w.err = err
			}
			w.errMu.Unlock()
		}
	}
}

// Push enqueues a chunk of rows for the worker to export. Safe to call
// concurrently from any number of client goroutines.
func (w *Worker) Push(chunk []Entry) {
	if len(chunk) == 0 {
		return
	}
	w.chunks <- chunk
}

// Close stops accepting new chunks, waits for the queue to drain, closes
// the underlying sink, and returns the first export error encountered
// (if any) or the sink's Close error.
func (w *Worker) Close() error {
	close(w.chunks)
	<-w.done

	w.errMu.Lock()
	err := w.err
	w.errMu.Unlock()

	if closeErr := w.sink.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
