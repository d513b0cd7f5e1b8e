package db

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
)

// DefaultRecorderBuffer is the number of events queued before the recorder
// starts dropping.
const DefaultRecorderBuffer = 1024

// Recorder is a supervisor.EventSink writing to the database from its own
// goroutine. Calls never block; events are dropped when the queue is full.
type Recorder struct {
	db *DB

	mu     sync.RWMutex
	closed bool
	events chan func(*DB) error
	done   chan struct{}

	run     atomic.Pointer[string]
	dropped atomic.Uint64
	failed  atomic.Uint64
}

var _ supervisor.EventSink = (*Recorder)(nil)

// NewRecorder starts a recorder with a queue of buffer events.
func NewRecorder(db *DB, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		db:     db,
		events: make(chan func(*DB) error, buffer),
		done:   make(chan struct{}),
	}
	go r.write()
	return r
}

func (r *Recorder) write() {
	defer close(r.done)
	for ev := range r.events {
		if err := ev(r.db); err != nil {
			r.failed.Add(1)
			log.Printf("recorder: write failed: %v", err)
		}
	}
}

func (r *Recorder) enqueue(ev func(*DB) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Close flushes queued events and stops the writer. Events recorded after
// Close are dropped.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

// Dropped returns the number of events lost to a full queue or a closed
// recorder.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed returns the number of events the database rejected.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

func (r *Recorder) RunStarted(info supervisor.RunInfo) {
	id := info.ID
	r.run.Store(&id)
	r.enqueue(func(db *DB) error { return db.InsertRun(info) })
}

func (r *Recorder) ZoneChanged(t supervisor.Transition) {
	r.enqueue(func(db *DB) error { return db.InsertTransition(t) })
}

func (r *Recorder) ScaleSampled(s supervisor.Sample) {
	r.enqueue(func(db *DB) error { return db.InsertSample(s) })
}

// RecordAttempt files the attempt under the run that was started last.
func (r *Recorder) RecordAttempt(a replan.Attempt) {
	runID := ""
	if id := r.run.Load(); id != nil {
		runID = *id
	}
	r.enqueue(func(db *DB) error { return db.InsertAttempt(runID, a) })
}

func (r *Recorder) RunStopped(runID string, stoppedAt time.Time, summary supervisor.StatsSummary) {
	r.enqueue(func(db *DB) error { return db.FinishRun(runID, stoppedAt, summary) })
}
