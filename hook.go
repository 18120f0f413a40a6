package interpose

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// HookState is the life cycle of a hook. There is no way back from
// StateActive.
type HookState int32

const (
	// StateUninstalled is a hook whose target was never patched.
	StateUninstalled HookState = iota
	// StateActive is a hook whose target jumps to the handler.
	StateActive
)

func (s HookState) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("HookState(%d)", int32(s))
	}
}

// Hook records one redirected function. The trampoline runs the original
// implementation with the original calling convention.
type Hook struct {
	sym        Symbol
	handler    uintptr
	trampoline uintptr
	backend    string
	state      atomic.Int32
	invoke     Invoker
}

// Symbol returns the function that was hooked.
func (h *Hook) Symbol() Symbol { return h.sym }

// Target returns the entry address of the hooked function.
func (h *Hook) Target() uintptr { return h.sym.Addr }

// Handler returns the address calls to the target are sent to.
func (h *Hook) Handler() uintptr { return h.handler }

// Backend returns the name of the backend that patched the target.
func (h *Hook) Backend() string { return h.backend }

// State returns where the hook is in its life cycle.
func (h *Hook) State() HookState { return HookState(h.state.Load()) }

// Installed reports whether the target is patched.
func (h *Hook) Installed() bool { return h.State() == StateActive }

// Trampoline returns the address that runs the original function, or 0 if
// the hook isn't active.
func (h *Hook) Trampoline() uintptr {
	if !h.Installed() {
		return 0
	}
	return h.trampoline
}

// CallOriginal runs the original function through the trampoline.
func (h *Hook) CallOriginal(args ...uintptr) (uintptr, error) {
	tramp := h.Trampoline()
	if tramp == 0 {
		return 0, fmt.Errorf("%w: %s is %v", ErrTrampolineInvalid, h.sym, h.State())
	}
	return h.invoke(tramp, args...), nil
}

// Original returns the trampoline of h as a typed Go function. See
// purego.RegisterFunc for the supported signatures.
func Original[T any](h *Hook) (fn T, err error) {
	tramp := h.Trampoline()
	if tramp == 0 {
		return fn, fmt.Errorf("%w: %s is %v", ErrTrampolineInvalid, h.sym, h.State())
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind trampoline of %s: %v", h.sym, r)
		}
	}()
	purego.RegisterFunc(&fn, tramp)
	return fn, nil
}

// patched holds every target hooked through any Context. A second patch on
// the same code would copy the first jump into its trampoline, so
// "original" would run the first handler.
var patched struct {
	sync.Mutex
	targets map[uintptr]*Hook
}

// Install redirects every call to sym to handler, which must be a C ABI
// function with the same signature. The returned hook's trampoline still
// reaches the original code.
//
// A target can only be hooked once per process, whichever Context hooked
// it first.
//
// Installs are expected to happen once per target early in the process, and
// must not run concurrently with other installs on nearby code.
func (c *Context) Install(sym Symbol, handler uintptr) (*Hook, error) {
	if handler == 0 {
		return nil, c.installFailed(sym, "validate", errors.New("nil handler"))
	}

	h, err := c.install(sym, func() (uintptr, error) { return handler, nil }, nil)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (c *Context) installFailed(sym Symbol, phase string, err error) error {
	c.log.Error("hook install failed",
		zap.Stringer("symbol", sym),
		zap.String("backend", c.backend.Name()),
		zap.String("phase", phase),
		zap.Error(err))
	return installError(sym, phase, err)
}

// install does the work for Install. handler is only asked for the handler
// address once the target checks out and the trampoline is built. bind runs
// after that but before the target is patched, so dispatchers can see their
// hook before the first redirected call.
func (c *Context) install(sym Symbol, handler func() (uintptr, error), bind func(*Hook)) (*Hook, error) {
	fail := func(phase string, err error) (*Hook, error) {
		return nil, c.installFailed(sym, phase, err)
	}

	if sym.Addr == 0 {
		return fail("validate", fmt.Errorf("nil target"))
	}

	patched.Lock()
	defer patched.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := patched.targets[sym.Addr]; ok {
		return fail("validate", ErrDoubleHook)
	}

	if err := checkTarget(sym); err != nil {
		return fail("validate", err)
	}

	patch, err := c.backend.Prepare(sym)
	if err != nil {
		return fail("prepare", err)
	}

	addr, err := handler()
	if err == nil && addr == 0 {
		err = errors.New("nil handler")
	}
	if err != nil {
		patch.Discard()
		return fail("callback", err)
	}

	h := &Hook{
		sym:        sym,
		handler:    addr,
		trampoline: patch.Trampoline(),
		backend:    c.backend.Name(),
		invoke:     c.invoke,
	}
	if bind != nil {
		bind(h)
	}

	// The trampoline is complete, so the hook can be marked active before
	// the entry is patched. Threads racing the patch run either the
	// original entry or the handler, and the handler finds a usable
	// trampoline either way.
	h.state.Store(int32(StateActive))

	err = c.backend.Commit(patch, addr)
	if errors.Is(err, errProtectRestore) {
		c.log.Warn("target left writable after patching",
			zap.Stringer("symbol", sym),
			zap.Error(err))
		err = nil
	}
	if err != nil {
		h.state.Store(int32(StateUninstalled))
		patch.Discard()
		return fail("commit", err)
	}

	if patched.targets == nil {
		patched.targets = make(map[uintptr]*Hook)
	}
	patched.targets[sym.Addr] = h
	c.hooks[sym.Addr] = h

	c.log.Info("hook installed",
		zap.Stringer("symbol", sym),
		zap.String("backend", h.backend),
		zap.Uintptr("handler", addr),
		zap.Uintptr("trampoline", h.trampoline))
	if ce := c.log.Check(zap.DebugLevel, "trampoline code"); ce != nil {
		text, _ := disassemble(patch.trampoline)
		ce.Write(zap.String("disassembly", text))
	}

	return h, nil
}

// checkTarget makes sure the target is still readable, executable code in
// the image it was resolved against.
func checkTarget(sym Symbol) error {
	m, err := MappingFor(sym.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleSymbol, err)
	}
	if !m.Readable() || !m.Executable() {
		return fmt.Errorf("target mapping is %s, need r-x", m.Perms)
	}
	if sym.Image.End != 0 && !m.SameImage(sym.Image) {
		return fmt.Errorf("%w: resolved in %q, now in %q", ErrStaleSymbol, sym.Image.Path, m.Path)
	}
	return nil
}

// Hook returns the hook installed on target, if any.
func (c *Context) Hook(target uintptr) (*Hook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hooks[target]
	return h, ok
}

// Hooks returns every installed hook.
func (c *Context) Hooks() []*Hook {
	c.mu.Lock()
	defer c.mu.Unlock()
	hooks := make([]*Hook, 0, len(c.hooks))
	for _, h := range c.hooks {
		hooks = append(hooks, h)
	}
	return hooks
}
