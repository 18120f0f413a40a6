package jni

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/pboyd/interpose"
)

// Exports are C function pointers other native code in the process can call
// to log through a Bridge:
//
//	void ClientLog(const char *threadName, const char *tag, const char *message);
//	int ClientLog_Init(JavaVM *vm);
//
// ClientLog_Init returns 0 once the bridge is usable and -1 otherwise. It
// must run on a thread the VM knows, JNI_OnLoad being the usual place.
// ClientLog may be called from any thread and drops messages until the
// bridge is initialized.
type Exports struct {
	Log  uintptr
	Init uintptr
}

// Export creates the C entry points for b. Init points b at target.
//
// Each call takes two of purego's callback slots for the rest of the
// process, so export a bridge once.
func Export(b *interpose.Bridge, target interpose.BridgeTarget) (exp Exports, err error) {
	if b == nil {
		return exp, errors.New("nil bridge")
	}

	// NewCallback panics once the callback table is full.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("export bridge: %v", r)
		}
	}()

	exp.Log = purego.NewCallback(func(threadName, tag, message uintptr) uintptr {
		b.Emit(goString(threadName), goString(tag), goString(message))
		return 0
	})
	exp.Init = purego.NewCallback(func(vm uintptr) uintptr {
		if InitBridge(b, vm, target) != nil {
			return jniCode(-1)
		}
		return 0
	})
	return exp, nil
}

// InitBridge initializes b from a raw JavaVM*, such as the one JNI_OnLoad
// receives.
func InitBridge(b *interpose.Bridge, vm uintptr, target interpose.BridgeTarget) error {
	if vm == 0 {
		return errors.New("nil JavaVM")
	}
	return b.Init(FromPointer(vm), target)
}

// goString copies a NUL-terminated C string. A null pointer is "".
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	start := unsafe.Pointer(p)
	n := 0
	for *(*byte)(unsafe.Add(start, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(start), n))
}

func jniCode(rc int32) uintptr {
	return uintptr(uint32(rc))
}
