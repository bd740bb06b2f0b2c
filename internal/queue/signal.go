package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Signal is a broadcast wake-up. Every waiter holding the channel returned by
// C is released by the next Notify.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a Signal
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// C returns the channel closed by the next Notify
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Notify wakes all current waiters
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Publisher announces new jobs to other processes
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// WakeMessage is the body published for every enqueued job
type WakeMessage struct {
	JobID string `json:"job_id"`
}

func encodeWake(jobID string) []byte {
	body, _ := json.Marshal(WakeMessage{JobID: jobID})
	return body
}

// announce wakes local waiters and, best effort, remote workers
func announce(ctx context.Context, opts Options, logger *slog.Logger, jobID string) {
	if opts.Publisher != nil {
		if err := opts.Publisher.Publish(ctx, encodeWake(jobID), "application/json"); err != nil {
			logger.Warn("Failed to publish job wake-up",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}
	opts.Signal.Notify()
}
