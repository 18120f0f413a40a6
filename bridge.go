package interpose

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
)

// Ref is a managed object reference, local or global.
type Ref uintptr

// MethodID identifies a managed method.
type MethodID uintptr

// Runtime is a managed runtime that native threads can call into.
type Runtime interface {
	// Env returns the calling OS thread's environment, or an error matching
	// ErrThreadDetached if the runtime doesn't know the thread.
	Env() (Env, error)
	AttachCurrentThread() (Env, error)
	DetachCurrentThread() error
}

// Env is a per-thread handle to a Runtime. It must only be used on the OS
// thread it came from.
type Env interface {
	FindClass(name string) (Ref, error)
	NewGlobalRef(ref Ref) Ref
	DeleteGlobalRef(ref Ref)
	DeleteLocalRef(ref Ref)
	GetStaticMethodID(class Ref, name, sig string) (MethodID, error)
	NewStringUTF(s string) (Ref, error)
	CallStaticVoidMethod(class Ref, method MethodID, args ...Ref) error
}

// LogSignature is the JNI signature of a static void method taking three
// strings, the shape Emit calls.
const LogSignature = "(Ljava/lang/String;Ljava/lang/String;Ljava/lang/String;)V"

// BridgeTarget names the managed method Emit calls.
type BridgeTarget struct {
	// Class in JNI form, e.g. "com/example/NativeLog"
	Class     string
	Method    string
	Signature string
}

// bridgeState is written once by Init and only read after that.
type bridgeState struct {
	rt     Runtime
	class  Ref
	method MethodID
	target BridgeTarget
}

// Bridge calls a static method on a managed runtime from any native thread.
// Until Init succeeds every Emit is a no-op.
type Bridge struct {
	state atomic.Pointer[bridgeState]
	log   *zap.Logger

	emitted, dropped, failed, attached atomic.Uint64
}

// NewBridge returns a disabled bridge.
func NewBridge(log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{log: log}
}

// Init resolves and caches the target class and method. It must run on a
// thread the runtime already knows, typically during library attach. If
// anything fails the bridge stays disabled; the error is only informative.
func (b *Bridge) Init(rt Runtime, target BridgeTarget) error {
	if target.Signature == "" {
		target.Signature = LogSignature
	}

	err := b.init(rt, target)
	if err != nil {
		b.log.Warn("bridge disabled",
			zap.String("class", target.Class),
			zap.String("method", target.Method),
			zap.Error(err))
		return err
	}

	b.log.Debug("bridge ready",
		zap.String("class", target.Class),
		zap.String("method", target.Method))
	return nil
}

func (b *Bridge) init(rt Runtime, target BridgeTarget) error {
	if rt == nil {
		return fmt.Errorf("%w: no runtime", ErrBridgeUninitialized)
	}
	if b.state.Load() != nil {
		return errors.New("bridge already initialized")
	}

	env, err := rt.Env()
	if err != nil {
		return fmt.Errorf("get env: %w", err)
	}

	local, err := env.FindClass(target.Class)
	if err != nil {
		return fmt.Errorf("find class %s: %w", target.Class, err)
	}

	class := env.NewGlobalRef(local)
	env.DeleteLocalRef(local)
	if class == 0 {
		return fmt.Errorf("global ref for %s", target.Class)
	}

	method, err := env.GetStaticMethodID(class, target.Method, target.Signature)
	if err != nil {
		env.DeleteGlobalRef(class)
		return fmt.Errorf("find method %s%s: %w", target.Method, target.Signature, err)
	}

	// Publishing through the atomic pointer orders the writes above before
	// any Emit that sees the state.
	b.state.Store(&bridgeState{
		rt:     rt,
		class:  class,
		method: method,
		target: target,
	})
	return nil
}

// Enabled reports whether Init succeeded and Close hasn't run.
func (b *Bridge) Enabled() bool {
	return b.state.Load() != nil
}

// Emit calls the target method with three strings. Threads the runtime
// doesn't know are attached for the duration of the call and detached
// afterwards. Failures are logged and otherwise ignored.
func (b *Bridge) Emit(threadLabel, category, message string) {
	err := b.emit(threadLabel, category, message)
	switch {
	case err == nil:
		b.emitted.Add(1)
	case errors.Is(err, ErrBridgeUninitialized):
		b.dropped.Add(1)
	default:
		b.failed.Add(1)
		b.log.Debug("bridge call failed",
			zap.String("thread", threadLabel),
			zap.String("category", category),
			zap.Error(err))
	}
}

func (b *Bridge) emit(threadLabel, category, message string) error {
	st := b.state.Load()
	if st == nil {
		return ErrBridgeUninitialized
	}

	// Attachment belongs to the OS thread, so stay on it until detached.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, release, err := b.acquireEnv(st.rt)
	if err != nil {
		return err
	}
	defer release()

	args := make([]Ref, 0, 3)
	defer func() {
		for _, ref := range args {
			env.DeleteLocalRef(ref)
		}
	}()

	for _, s := range [...]string{threadLabel, category, message} {
		ref, err := env.NewStringUTF(s)
		if err != nil {
			return fmt.Errorf("new string: %w", err)
		}
		args = append(args, ref)
	}

	return env.CallStaticVoidMethod(st.class, st.method, args...)
}

// acquireEnv returns an Env for the current thread, attaching it if needed.
// release detaches only what acquireEnv attached.
func (b *Bridge) acquireEnv(rt Runtime) (env Env, release func(), err error) {
	env, err = rt.Env()
	if err == nil {
		return env, func() {}, nil
	}
	if !errors.Is(err, ErrThreadDetached) {
		return nil, nil, fmt.Errorf("get env: %w", err)
	}

	env, err = rt.AttachCurrentThread()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBridgeAttach, err)
	}
	b.attached.Add(1)

	return env, func() {
		if err := rt.DetachCurrentThread(); err != nil {
			b.log.Warn("detach failed", zap.Error(err))
		}
	}, nil
}

// Close disables the bridge and releases the class reference. Only call it
// at process teardown from a thread the runtime knows; Emit calls racing
// Close may still use the released reference.
func (b *Bridge) Close() error {
	st := b.state.Swap(nil)
	if st == nil {
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, release, err := b.acquireEnv(st.rt)
	if err != nil {
		return err
	}
	defer release()

	env.DeleteGlobalRef(st.class)
	return nil
}

// BridgeStats counts Emit outcomes.
type BridgeStats struct {
	Emitted  uint64
	Dropped  uint64
	Failed   uint64
	Attached uint64
}

// Stats returns a snapshot of the bridge's counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Emitted:  b.emitted.Load(),
		Dropped:  b.dropped.Load(),
		Failed:   b.failed.Load(),
		Attached: b.attached.Load(),
	}
}
