package interpose

import (
	"sync"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Invoker calls the native function at fn with word-sized arguments and
// returns the first result register.
type Invoker func(fn uintptr, args ...uintptr) uintptr

func nativeInvoke(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1
}

// Context owns the process-wide interception state: installed hooks, the
// patching backend and the cross-runtime bridge. Create one at startup and
// pass it to whatever needs it.
type Context struct {
	log     *zap.Logger
	backend Backend
	invoke  Invoker
	bridge  *Bridge

	// serializes installs and guards hooks
	mu    sync.Mutex
	hooks map[uintptr]*Hook

	teeBridge *bridgeTee
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithBackend selects the patching strategy. The default is InlineBackend.
func WithBackend(b Backend) Option {
	return func(c *Context) {
		if b != nil {
			c.backend = b
		}
	}
}

// WithInvoker replaces the way trampolines are called.
func WithInvoker(inv Invoker) Option {
	return func(c *Context) {
		if inv != nil {
			c.invoke = inv
		}
	}
}

// WithBridgeLogging copies every log entry at or above lvl to the managed
// runtime through the context's bridge, labelled with threadLabel.
func WithBridgeLogging(threadLabel string, lvl zapcore.LevelEnabler) Option {
	return func(c *Context) {
		c.teeBridge = &bridgeTee{label: threadLabel, level: lvl}
	}
}

// New creates a Context.
func New(opts ...Option) *Context {
	c := &Context{
		log:     zap.NewNop(),
		backend: InlineBackend(),
		invoke:  nativeInvoke,
		hooks:   make(map[uintptr]*Hook),
	}

	for _, opt := range opts {
		opt(c)
	}

	// The bridge logs with the plain logger so its own failures never loop
	// back into it.
	c.bridge = NewBridge(c.log.Named("bridge"))

	if c.teeBridge != nil {
		core := NewBridgeCore(c.bridge, c.teeBridge.label, c.teeBridge.level)
		c.log = c.log.WithOptions(zap.WrapCore(func(base zapcore.Core) zapcore.Core {
			return zapcore.NewTee(base, core)
		}))
		c.teeBridge = nil
	}

	return c
}

// Logger returns the context's logger.
func (c *Context) Logger() *zap.Logger {
	return c.log
}

// Backend returns the patching strategy in use.
func (c *Context) Backend() Backend {
	return c.backend
}

// Bridge returns the cross-runtime bridge. It is disabled until Init is
// called on it.
func (c *Context) Bridge() *Bridge {
	return c.bridge
}

type bridgeTee struct {
	label string
	level zapcore.LevelEnabler
}
