package interpose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTrampoline struct {
	calls [][]uintptr
	ret   uintptr
}

func (f *fakeTrampoline) invoke(fn uintptr, args ...uintptr) uintptr {
	f.calls = append(f.calls, append([]uintptr{fn}, args...))
	return f.ret
}

// boundDispatcher returns a dispatcher wired to a hook whose trampoline is
// fake, as if Intercept had installed it.
func boundDispatcher(log *zap.Logger, tramp *fakeTrampoline, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{log: log}
	for _, opt := range opts {
		opt(d)
	}

	h := &Hook{
		sym:        Symbol{Name: "fake", Addr: 0x1000},
		trampoline: 0x2000,
		invoke:     tramp.invoke,
	}
	h.state.Store(int32(StateActive))
	d.hook.Store(h)
	return d
}

func TestDispatch(t *testing.T) {
	cases := map[string]struct {
		validator Validator
		sideWork  func(*int) SideWork
		wantWork  int
		wantStats Stats
		wantWarn  int
	}{
		"no options": {
			wantStats: Stats{Calls: 1, Validated: 1},
		},
		"validated": {
			validator: func([]uintptr) bool { return true },
			sideWork: func(n *int) SideWork {
				return func([]uintptr) { *n++ }
			},
			wantWork:  1,
			wantStats: Stats{Calls: 1, Validated: 1},
		},
		"validation fails": {
			validator: func([]uintptr) bool { return false },
			sideWork: func(n *int) SideWork {
				return func([]uintptr) { *n++ }
			},
			wantStats: Stats{Calls: 1, Skipped: 1},
		},
		"validator panics": {
			validator: func([]uintptr) bool { panic("no context") },
			sideWork: func(n *int) SideWork {
				return func([]uintptr) { *n++ }
			},
			wantStats: Stats{Calls: 1, Skipped: 1},
			wantWarn:  1,
		},
		"side-work panics": {
			sideWork: func(n *int) SideWork {
				return func([]uintptr) {
					*n++
					panic("overlay broke")
				}
			},
			wantWork:  1,
			wantStats: Stats{Calls: 1, Validated: 1, Failed: 1},
			wantWarn:  1,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			core, logs := observer.New(zap.DebugLevel)
			tramp := &fakeTrampoline{ret: 0xabc}

			var work int
			var opts []DispatchOption
			if tc.validator != nil {
				opts = append(opts, WithValidator(tc.validator))
			}
			if tc.sideWork != nil {
				opts = append(opts, WithSideWork(tc.sideWork(&work)))
			}
			d := boundDispatcher(zap.New(core), tramp, opts...)

			// The original always runs with the caller's arguments and its
			// result comes back unchanged.
			assert.Equal(uintptr(0xabc), d.Dispatch(7, 8, 9))
			assert.Equal([][]uintptr{{0x2000, 7, 8, 9}}, tramp.calls)

			assert.Equal(tc.wantWork, work)
			assert.Equal(tc.wantStats, d.Stats())
			assert.Equal(tc.wantWarn, logs.FilterLevelExact(zap.WarnLevel).Len())
		})
	}
}

func TestDispatchWithoutHook(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d := &Dispatcher{log: zap.New(core)}

	assert.Zero(t, d.Dispatch(1))
	assert.Equal(t, 1, logs.FilterMessage("dispatch without a hook").Len())
}

func TestDispatchLoggerOption(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tramp := &fakeTrampoline{}

	d := boundDispatcher(zap.NewNop(), tramp,
		WithDispatchLogger(zap.New(core)),
		WithSideWork(func([]uintptr) { panic("boom") }))
	d.Dispatch()

	entries := logs.FilterMessage("side-work panicked").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "boom", entries[0].ContextMap()["panic"])
	}
}
