// Package audit provides structured audit logging for admission decisions.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Actions recorded by the admission pipeline.
const (
	ActionAuth     = "auth"
	ActionThrottle = "throttle"
	ActionFeature  = "feature"
	ActionQuota    = "quota"
	ActionAdmit    = "admit"
)

// Results of an admission step.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultFailure = "failure"
)

// Event represents one admission decision.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Feature   string    `json:"feature,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Path      string    `json:"path,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Error     string    `json:"error,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers.
type Logger struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithStdoutHandler adds a handler that writes JSON events to stdout.
func WithStdoutHandler() Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			data, _ := json.Marshal(e)
			fmt.Fprintf(os.Stdout, "%s\n", data)
		})
	}
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.AddHandler(h)
	}
}

// New creates a new audit logger with buffered async emission.
// bufferSize: event queue buffer size (default: 1000).
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	logger := &Logger{
		handlers: make([]Handler, 0),
		queue:    make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(logger)
	}

	logger.wg.Add(1)
	go logger.process()

	return logger
}

// AddHandler registers an additional event handler.
func (l *Logger) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Emit queues an event for async processing. If the queue is full the event
// is dropped rather than blocking the request path.
func (l *Logger) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case l.queue <- event:
	case <-l.done:
	default:
		// queue full, drop
	}
}

// process drains the queue until Close.
func (l *Logger) process() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.dispatch(event)
		case <-l.done:
			// drain remaining events
			for {
				select {
				case event := <-l.queue:
					l.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(event Event) {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Close stops the processor after draining queued events.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}
