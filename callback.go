package interpose

import (
	"fmt"
	"sync/atomic"

	"github.com/ebitengine/purego"
)

// MaxArity is the most word-sized arguments a dispatcher can receive.
const MaxArity = 8

// callbacksUsed counts purego callback slots taken by newCallback.
var callbacksUsed atomic.Int64

// newCallback returns a C function pointer that calls fn with its arguments.
// purego needs a func with a fixed parameter list, hence the switch.
//
// Callbacks are never released, which matches hooks living for the rest of
// the process.
func newCallback(arity int, fn func(args ...uintptr) uintptr) (cb uintptr, err error) {
	var f any
	switch arity {
	case 0:
		f = func() uintptr { return fn() }
	case 1:
		f = func(a0 uintptr) uintptr { return fn(a0) }
	case 2:
		f = func(a0, a1 uintptr) uintptr { return fn(a0, a1) }
	case 3:
		f = func(a0, a1, a2 uintptr) uintptr { return fn(a0, a1, a2) }
	case 4:
		f = func(a0, a1, a2, a3 uintptr) uintptr { return fn(a0, a1, a2, a3) }
	case 5:
		f = func(a0, a1, a2, a3, a4 uintptr) uintptr { return fn(a0, a1, a2, a3, a4) }
	case 6:
		f = func(a0, a1, a2, a3, a4, a5 uintptr) uintptr { return fn(a0, a1, a2, a3, a4, a5) }
	case 7:
		f = func(a0, a1, a2, a3, a4, a5, a6 uintptr) uintptr { return fn(a0, a1, a2, a3, a4, a5, a6) }
	case 8:
		f = func(a0, a1, a2, a3, a4, a5, a6, a7 uintptr) uintptr { return fn(a0, a1, a2, a3, a4, a5, a6, a7) }
	default:
		return 0, fmt.Errorf("arity %d not supported, max is %d", arity, MaxArity)
	}

	// NewCallback panics once the callback table is full.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("create callback: %v", r)
		}
	}()
	cb = purego.NewCallback(f)
	callbacksUsed.Add(1)
	return cb, nil
}
