// Package jni implements interpose.Runtime on top of a raw JavaVM pointer.
//
// Calls go straight through the JNIInvokeInterface and JNINativeInterface
// function tables with purego, so there is no cgo and no jni.h dependency.
package jni

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unicode/utf16"
	"unicode/utf8"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/pboyd/interpose"
)

// Version is the JNI version requested from GetEnv and AttachCurrentThread.
const Version = 0x00010006 // JNI_VERSION_1_6

// JNI return codes.
const (
	jniOK        = 0
	jniEDetached = -2
	jniEVersion  = -3
)

// JNIInvokeInterface slots.
const (
	vmAttachCurrentThread = 4
	vmDetachCurrentThread = 5
	vmGetEnv              = 6
)

// JNINativeInterface slots.
const (
	envFindClass             = 6
	envExceptionDescribe     = 16
	envExceptionClear        = 17
	envNewGlobalRef          = 21
	envDeleteGlobalRef       = 22
	envDeleteLocalRef        = 23
	envGetStaticMethodID     = 113
	envCallStaticVoidMethodA = 143
	envNewStringUTF          = 167
	envExceptionCheck        = 228
)

// ErrException means a JNI call left a Java exception pending. The exception
// has been cleared by the time the error is returned.
var ErrException = errors.New("java exception")

// VM is a JavaVM*.
type VM struct {
	ptr uintptr
}

var _ interpose.Runtime = (*VM)(nil)

// FromPointer wraps a JavaVM*, typically the one passed to JNI_OnLoad.
func FromPointer(vm uintptr) *VM {
	return &VM{ptr: vm}
}

// Pointer returns the underlying JavaVM*.
func (vm *VM) Pointer() uintptr {
	return vm.ptr
}

func (vm *VM) call(slot int, args ...uintptr) int32 {
	fn := method(vm.ptr, slot)
	r1, _, _ := purego.SyscallN(fn, append([]uintptr{vm.ptr}, args...)...)
	return int32(r1)
}

// envCells hands out JNIEnv** out-parameters. They live on the heap: a Go
// callback running on this goroutine during the call may grow its stack and
// move anything on it.
var envCells = sync.Pool{
	New: func() any { return new(uintptr) },
}

// callEnv calls slot with a JNIEnv** out-parameter followed by args.
func (vm *VM) callEnv(slot int, args ...uintptr) (int32, uintptr) {
	cell := envCells.Get().(*uintptr)
	defer envCells.Put(cell)

	*cell = 0
	rc := vm.call(slot, append([]uintptr{uintptr(unsafe.Pointer(cell))}, args...)...)
	runtime.KeepAlive(cell)
	return rc, *cell
}

// Env returns the calling thread's JNIEnv. If the thread isn't attached the
// error matches interpose.ErrThreadDetached.
func (vm *VM) Env() (interpose.Env, error) {
	rc, env := vm.callEnv(vmGetEnv, Version)

	switch rc {
	case jniOK:
		if env == 0 {
			return nil, errors.New("GetEnv: no JNIEnv returned")
		}
		return &Env{ptr: env}, nil
	case jniEDetached:
		return nil, interpose.ErrThreadDetached
	case jniEVersion:
		return nil, fmt.Errorf("GetEnv: version %#x not supported", Version)
	default:
		return nil, fmt.Errorf("GetEnv: error %d", rc)
	}
}

// AttachCurrentThread attaches the calling OS thread. The caller must keep
// the goroutine locked to the thread until it detaches.
func (vm *VM) AttachCurrentThread() (interpose.Env, error) {
	rc, env := vm.callEnv(vmAttachCurrentThread, 0)
	if rc != jniOK {
		return nil, fmt.Errorf("AttachCurrentThread: error %d", rc)
	}
	if env == 0 {
		return nil, errors.New("AttachCurrentThread: no JNIEnv returned")
	}
	return &Env{ptr: env}, nil
}

// DetachCurrentThread detaches the calling OS thread.
func (vm *VM) DetachCurrentThread() error {
	if rc := vm.call(vmDetachCurrentThread); rc != jniOK {
		return fmt.Errorf("DetachCurrentThread: error %d", rc)
	}
	return nil
}

// Env is a JNIEnv*. It is only valid on the thread it was obtained on.
type Env struct {
	ptr uintptr
}

var _ interpose.Env = (*Env)(nil)

// Pointer returns the underlying JNIEnv*.
func (env *Env) Pointer() uintptr {
	return env.ptr
}

func (env *Env) call(slot int, args ...uintptr) uintptr {
	fn := method(env.ptr, slot)
	r1, _, _ := purego.SyscallN(fn, append([]uintptr{env.ptr}, args...)...)
	return r1
}

// check converts a pending exception into ErrException.
func (env *Env) check(what string) error {
	if env.call(envExceptionCheck)&0xff == 0 {
		return nil
	}
	env.call(envExceptionDescribe)
	env.call(envExceptionClear)
	return fmt.Errorf("%s: %w", what, ErrException)
}

// FindClass returns a local reference to the class with the given binary
// name, e.g. "java/lang/String".
func (env *Env) FindClass(name string) (interpose.Ref, error) {
	s := cstring(name)
	ref := env.call(envFindClass, uintptr(unsafe.Pointer(&s[0])))
	runtime.KeepAlive(s)

	if err := env.check("FindClass " + name); err != nil {
		return 0, err
	}
	if ref == 0 {
		return 0, fmt.Errorf("FindClass %s: not found", name)
	}
	return interpose.Ref(ref), nil
}

// NewGlobalRef returns a reference to ref that stays valid across threads
// until DeleteGlobalRef.
func (env *Env) NewGlobalRef(ref interpose.Ref) interpose.Ref {
	return interpose.Ref(env.call(envNewGlobalRef, uintptr(ref)))
}

// DeleteGlobalRef releases a global reference. A zero ref is ignored.
func (env *Env) DeleteGlobalRef(ref interpose.Ref) {
	if ref != 0 {
		env.call(envDeleteGlobalRef, uintptr(ref))
	}
}

// DeleteLocalRef releases a local reference. A zero ref is ignored.
func (env *Env) DeleteLocalRef(ref interpose.Ref) {
	if ref != 0 {
		env.call(envDeleteLocalRef, uintptr(ref))
	}
}

// GetStaticMethodID looks up a static method of class by name and JNI
// signature.
func (env *Env) GetStaticMethodID(class interpose.Ref, name, sig string) (interpose.MethodID, error) {
	n, s := cstring(name), cstring(sig)
	id := env.call(envGetStaticMethodID, uintptr(class),
		uintptr(unsafe.Pointer(&n[0])), uintptr(unsafe.Pointer(&s[0])))
	runtime.KeepAlive(n)
	runtime.KeepAlive(s)

	if err := env.check("GetStaticMethodID " + name); err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("GetStaticMethodID %s%s: not found", name, sig)
	}
	return interpose.MethodID(id), nil
}

// NewStringUTF returns a local reference to a new java.lang.String holding
// str.
func (env *Env) NewStringUTF(str string) (interpose.Ref, error) {
	s := cstring(str)
	ref := env.call(envNewStringUTF, uintptr(unsafe.Pointer(&s[0])))
	runtime.KeepAlive(s)

	if err := env.check("NewStringUTF"); err != nil {
		return 0, err
	}
	if ref == 0 {
		return 0, errors.New("NewStringUTF: out of memory")
	}
	return interpose.Ref(ref), nil
}

// CallStaticVoidMethod calls a static void method whose parameters are all
// object references.
func (env *Env) CallStaticVoidMethod(class interpose.Ref, method interpose.MethodID, args ...interpose.Ref) error {
	// jvalue is a 64-bit union, so a []uint64 of references is a jvalue array.
	jargs := make([]uint64, len(args)+1)
	for i, a := range args {
		jargs[i] = uint64(a)
	}

	env.call(envCallStaticVoidMethodA, uintptr(class), uintptr(method),
		uintptr(unsafe.Pointer(&jargs[0])))
	runtime.KeepAlive(jargs)

	return env.check("CallStaticVoidMethodA")
}

// method returns the function pointer in slot of the table iface points to.
func method(iface uintptr, slot int) uintptr {
	table := *(*unsafe.Pointer)(unsafe.Pointer(iface))
	return *(*uintptr)(unsafe.Add(table, slot*int(unsafe.Sizeof(uintptr(0)))))
}

// cstring returns s as a NUL-terminated modified UTF-8 string: U+0000 takes
// two bytes so it can't end the string early, and characters outside the
// BMP are written as a UTF-16 surrogate pair with each half in three bytes.
// Invalid UTF-8 becomes U+FFFD.
func cstring(s string) []byte {
	b := make([]byte, 0, len(s)+len(s)/2+1)
	for _, r := range s {
		switch {
		case r == 0:
			b = append(b, 0xc0, 0x80)
		case r > 0xffff:
			r1, r2 := utf16.EncodeRune(r)
			b = appendSurrogate(b, r1)
			b = appendSurrogate(b, r2)
		default:
			b = utf8.AppendRune(b, r)
		}
	}
	return append(b, 0)
}

func appendSurrogate(b []byte, r rune) []byte {
	return append(b, 0xe0|byte(r>>12), 0x80|byte(r>>6)&0x3f, 0x80|byte(r)&0x3f)
}
