package interpose

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Validator decides whether a call happens in a context where side-work
// makes sense. A false result, or a panic, skips the side-work; the call is
// forwarded either way.
type Validator func(args []uintptr) bool

// SideWork runs before the original function on every validated call. It
// must not block for long since the caller is waiting.
type SideWork func(args []uintptr)

// Stats counts what a dispatcher did.
type Stats struct {
	Calls     uint64
	Validated uint64
	Skipped   uint64
	Failed    uint64
}

// Dispatcher is the handler behind an intercepted function. It runs on
// whatever thread called the function and keeps no state besides counters,
// so any number of calls may be in flight.
type Dispatcher struct {
	hook     atomic.Pointer[Hook]
	validate Validator
	work     SideWork
	log      *zap.Logger

	calls, validated, skipped, failed atomic.Uint64
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithValidator checks the call context before side-work runs.
func WithValidator(v Validator) DispatchOption {
	return func(d *Dispatcher) {
		d.validate = v
	}
}

// WithSideWork sets what runs before the original function.
func WithSideWork(w SideWork) DispatchOption {
	return func(d *Dispatcher) {
		d.work = w
	}
}

// WithDispatchLogger overrides the logger inherited from the Context.
func WithDispatchLogger(l *zap.Logger) DispatchOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// Intercept installs a Dispatcher on sym. arity is the number of word-sized
// arguments the function takes; the dispatcher forwards exactly that many
// and returns the original's first result register.
//
// The dispatcher's C callback takes one of purego's fixed number of
// callback slots for the rest of the process. Installs that fail before the
// commit don't use one.
func (c *Context) Intercept(sym Symbol, arity int, opts ...DispatchOption) (*Dispatcher, error) {
	d := &Dispatcher{
		log: c.log.With(zap.String("symbol", sym.Name)),
	}
	for _, opt := range opts {
		opt(d)
	}

	if arity < 0 || arity > MaxArity {
		return nil, c.installFailed(sym, "validate", fmt.Errorf("arity %d not supported, max is %d", arity, MaxArity))
	}

	// purego never frees a callback, so it's only created once the target
	// is known to be patchable.
	newHandler := func() (uintptr, error) {
		return newCallback(arity, d.Dispatch)
	}
	_, err := c.install(sym, newHandler, d.hook.Store)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Dispatch handles one intercepted call: validate, run side-work, then call
// the original function with the same arguments and return its result.
func (d *Dispatcher) Dispatch(args ...uintptr) uintptr {
	d.calls.Add(1)

	if d.valid(args) {
		d.validated.Add(1)
		d.runSideWork(args)
	} else {
		d.skipped.Add(1)
	}

	h := d.hook.Load()
	if h == nil {
		// Unreachable once installed: the hook is stored before the
		// target is patched.
		d.log.Error("dispatch without a hook")
		return 0
	}
	return h.invoke(h.trampoline, args...)
}

func (d *Dispatcher) valid(args []uintptr) (ok bool) {
	if d.validate == nil {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("validator panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return d.validate(args)
}

func (d *Dispatcher) runSideWork(args []uintptr) {
	if d.work == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.log.Warn("side-work panicked", zap.Any("panic", r))
		}
	}()
	d.work(args)
}

// Hook returns the hook the dispatcher is installed on.
func (d *Dispatcher) Hook() *Hook {
	return d.hook.Load()
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Calls:     d.calls.Load(),
		Validated: d.validated.Load(),
		Skipped:   d.skipped.Load(),
		Failed:    d.failed.Load(),
	}
}
