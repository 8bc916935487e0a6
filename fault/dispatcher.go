package fault

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnhandled is reported for exceptions no handler claimed.
var ErrUnhandled = errors.New("unhandled host exception")

// Handler inspects an exception and returns true if it handled it. A handler
// that returns true may have changed ex.Context; execution resumes from it.
type Handler func(ex *Exception) bool

// Reporter receives exceptions that no handler claimed.
type Reporter func(ex *Exception, err error)

type installed struct {
	id      uint64
	handler Handler
}

// Dispatcher runs handlers in installation order until one claims the
// exception.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []installed
	nextID   uint64
	reporter Reporter
}

// NewDispatcher creates a dispatcher that reports unhandled exceptions to r.
// r may be nil.
func NewDispatcher(r Reporter) *Dispatcher {
	return &Dispatcher{reporter: r}
}

// SetReporter replaces the reporter.
func (d *Dispatcher) SetReporter(r Reporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reporter = r
}

// Install appends h and returns a function that removes it again.
func (d *Dispatcher) Install(h Handler) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, installed{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { d.uninstall(id) })
	}
}

func (d *Dispatcher) uninstall(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, h := range d.handlers {
		if h.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of installed handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch offers ex to every handler in order. It returns true once one
// claims it; otherwise the reporter is told and Dispatch returns false.
func (d *Dispatcher) Dispatch(ex *Exception) bool {
	d.mu.RLock()
	handlers := d.handlers
	reporter := d.reporter
	d.mu.RUnlock()

	for _, h := range handlers {
		if h.handler(ex) {
			return true
		}
	}

	if reporter != nil {
		reporter(ex, errors.Wrapf(ErrUnhandled, "%s", ex))
	}
	return false
}
