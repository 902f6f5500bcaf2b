// Package fault reports protocol violations raised by the guest bridge.
//
// A protocol violation is a bug in the translated caller: a double free, a
// wait on a closed handle, a draw referencing a destroyed resource. The
// original platform trapped into the debugger at the faulting instruction,
// so the default Handler panics at the call site instead of letting the
// violation surface later as corrupted guest state.
package fault

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
)

// Handler receives a protocol violation.
type Handler func(err error)

// Panic is the default Handler. It panics with the violation.
func Panic(err error) {
	panic(err)
}

// Trap is a configured sink for protocol violations. The zero value panics.
type Trap struct {
	handler Handler
	logger  logr.Logger
}

// Option configures a Trap.
type Option func(*Trap)

// WithHandler replaces the default panicking handler.
func WithHandler(h Handler) Option {
	return func(t *Trap) {
		t.handler = h
	}
}

// WithLogger logs every violation before it is handed to the handler.
func WithLogger(logger logr.Logger) Option {
	return func(t *Trap) {
		t.logger = logger
	}
}

// New creates a Trap.
func New(opts ...Option) *Trap {
	t := &Trap{
		handler: Panic,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Raise reports a violation. The message is formatted as an assertion
// failure so it carries a stack trace.
func (t *Trap) Raise(format string, args ...interface{}) {
	t.RaiseErr(errors.AssertionFailedWithDepthf(1, format, args...))
}

// RaiseErr reports an already constructed violation.
func (t *Trap) RaiseErr(err error) {
	if t == nil {
		Panic(err)
		return
	}
	t.logger.Error(err, "protocol violation")
	h := t.handler
	if h == nil {
		h = Panic
	}
	h(err)
}

// Recorder is a Handler that collects violations instead of panicking.
// Tests install it to assert on violations without unwinding.
type Recorder struct {
	mu   sync.Mutex
	errs []error
}

// Handle records err.
func (r *Recorder) Handle(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Errors returns a copy of the recorded violations.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

// Len returns the number of recorded violations.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}
