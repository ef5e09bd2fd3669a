// Package tracker implements asynchronous usage tracking: record_access
// events flow over a bounded queue into a small worker pool. Producers
// never block; when the queue is full the event is dropped, logged, and
// counted. Under overload the system preserves response latency at the
// cost of some lost tracking.
package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// Event is one pending access record. Events carry only primitive inputs,
// never request-scoped state.
type Event struct {
	PrincipalID string
	MemoryID    string
	Context     string
	At          time.Time
}

// Recorder persists a single access event. Implemented by the store.
type Recorder interface {
	RecordAccess(principalID, memoryID, context string, now time.Time) error
}

// Dispatcher fans events out to workers.
type Dispatcher struct {
	recorder Recorder
	queue    chan Event
	workers  int

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	dropped   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a dispatcher with the given queue capacity and worker count.
func New(recorder Recorder, queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	return &Dispatcher{
		recorder: recorder,
		queue:    make(chan Event, queueSize),
		workers:  workers,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		logging.Tracker("Starting usage dispatcher: %d workers, queue capacity %d", d.workers, cap(d.queue))
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
	})
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for ev := range d.queue {
		if err := d.recorder.RecordAccess(ev.PrincipalID, ev.MemoryID, ev.Context, ev.At); err != nil {
			d.failed.Add(1)
			if types.IsNotFound(err) {
				// The memory was deleted between enqueue and processing.
				logging.TrackerDebug("worker %d: access target gone: %v", id, err)
			} else {
				logging.Get(logging.CategoryTracker).Warn("worker %d: record access failed: %v", id, err)
			}
			continue
		}
		d.processed.Add(1)
	}
}

// Enqueue submits an event without blocking. Returns false when the queue
// is full and the event was dropped.
func (d *Dispatcher) Enqueue(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
		return true
	default:
		n := d.dropped.Add(1)
		logging.Get(logging.CategoryTracker).Warn("queue full, dropped access event for %s (total dropped: %d)", ev.MemoryID, n)
		return false
	}
}

// QueueDepth returns the number of queued events. The scheduler reads this
// as its backpressure signal.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Dropped returns the number of events dropped on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Processed returns the number of events successfully recorded.
func (d *Dispatcher) Processed() int64 {
	return d.processed.Load()
}

// Failed returns the number of events whose store write failed.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}

// Stop closes the queue and waits for in-flight events to drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.queue)
		d.wg.Wait()
		logging.Tracker("Usage dispatcher stopped: processed=%d failed=%d dropped=%d",
			d.processed.Load(), d.failed.Load(), d.dropped.Load())
	})
}
