package journal

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

const (
	defaultQueueSize = 64
	writeTimeout     = 5 * time.Second
)

// Logger defines the logging interface for the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder writes manager transitions to a Repository from its own
// goroutine. Observe never blocks: when the queue is full the event is
// dropped and OnDrop is called.
type Recorder struct {
	repo   Repository
	queue  chan Event
	logger Logger
	onDrop func()

	mu      sync.Mutex
	closed  bool
	dropped uint64
	done    chan struct{}
}

// NewRecorder creates a recorder with room for queueSize pending events
// and starts its writer.
func NewRecorder(repo Repository, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		repo:   repo,
		queue:  make(chan Event, queueSize),
		logger: noopLogger{},
		onDrop: func() {},
		done:   make(chan struct{}),
	}
	go r.write()
	return r
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnDrop registers a callback for dropped events.
func (r *Recorder) SetOnDrop(fn func()) {
	r.onDrop = fn
}

// Observe queues tr. It has the signature of a Manager transition observer.
func (r *Recorder) Observe(tr connectivity.Transition) {
	ev := Event{
		DeviceID:  tr.DeviceID,
		From:      tr.From.String(),
		To:        tr.To.String(),
		Reason:    tr.Reason,
		Endpoint:  tr.Endpoint,
		CreatedAt: tr.At,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped++
		r.onDrop()
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting events and waits for queued ones to be written,
// or for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) write() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.repo.Create(ctx, &ev); err != nil {
			r.logger.Warn("journal write failed", "to", ev.To, "error", err)
		}
		cancel()
	}
}
