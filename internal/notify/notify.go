// Package notify carries addressed operational errors out of the engine.
//
// Some failures are not bugs but conditions a project operator has to fix:
// a missing credential, an unmapped user, a mutation ceiling hit. Those are
// raised as coded errors through a Sink instead of failing the cycle.
package notify

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Error codes for operator-addressed conditions.
const (
	CodeNoToken          = "no-token"
	CodeUserNotFound     = "user-not-found"
	CodeMutationCeiling  = "mutation-ceiling"
	CodeDuplicateEvent   = "duplicate-event"
	CodeReconcileFailure = "reconcile-failure"
)

// Error is an operator-addressed condition raised during a sync cycle.
type Error struct {
	Code    string
	Project string
	IMS     string // remote tracker host or repo, when known
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] project %s: %s", e.Code, e.Project, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Sink receives operator-addressed errors. Implementations must be safe for
// concurrent use.
type Sink interface {
	Notify(err *Error)
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink writing to the given logger, or stderr when nil.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(err *Error) {
	s.logger.Printf("%s", err.Error())
}

// Collector buffers notifications for inspection, mainly in tests.
type Collector struct {
	mu     sync.Mutex
	errors []*Error
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Notify implements Sink.
func (c *Collector) Notify(err *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

// Errors returns a copy of the collected notifications.
func (c *Collector) Errors() []*Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Error, len(c.errors))
	copy(out, c.errors)
	return out
}

// Codes returns just the codes of the collected notifications, in order.
func (c *Collector) Codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := make([]string, len(c.errors))
	for i, e := range c.errors {
		codes[i] = e.Code
	}
	return codes
}

// Fanout duplicates notifications to several sinks.
type Fanout []Sink

// Notify implements Sink.
func (f Fanout) Notify(err *Error) {
	for _, s := range f {
		s.Notify(err)
	}
}
