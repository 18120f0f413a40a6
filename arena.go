package interpose

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// Initial size of a trampoline arena. It grows on demand.
const arenaStartSize = 64 * 1024

// Targets in the same region share an arena. Small enough that a trampoline
// mapped at the hint is within reach of a B on arm64.
const arenaRegion = 1 << 26

// allocator hands out executable memory for trampolines. The arena is RX
// except between BeginMutate and EndMutate.
type allocator struct {
	*malloc.Arena
	// where the kernel is asked to place the arena
	hint     uintptr
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	mutable  bool
}

func (a *allocator) init(startSize int) error {
	a.initOnce.Do(func() {
		opts := []malloc.BackendOpt{malloc.MmapProt(mprotectExec)}
		if a.hint != 0 {
			opts = append(opts, malloc.MmapAddr(a.hint))
		}
		be := malloc.MmapBackend(opts...)
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return a.initErr
}

func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Note that BeginMutate can be called before the initial allocation.

	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable || a.mprotect == nil {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.init(max(size, arenaStartSize))
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		return nil, errors.New("allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

// Free gives back a trampoline whose patch was never committed.
func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return
	}

	malloc.FreeSlice(a.Arena, buf)
}

// release is Free wrapped in a mutation window.
func (a *allocator) release(buf []byte) {
	if a == nil || buf == nil {
		return
	}
	a.BeginMutate()
	defer a.EndMutate()
	a.Free(buf)
}

// write allocates size bytes in the arena and lets fill write the machine
// code. fill receives the final address of the buffer. The returned slice is
// executable and no longer writable.
func (a *allocator) write(size int, fill func(buf []byte) ([]byte, error)) ([]byte, error) {
	if err := a.BeginMutate(); err != nil {
		return nil, err
	}
	defer a.EndMutate()

	buf, err := a.Allocate(size)
	if err != nil {
		return nil, err
	}

	out, err := fill(buf)
	if err != nil {
		a.Free(buf)
		return nil, err
	}
	if len(out) > 0 && &out[0] != &buf[0] {
		a.Free(buf)
		return nil, errors.New("trampoline outgrew its allocation")
	}

	cacheflush(out)
	return out, nil
}

// arenaSet keeps one arena per region of the address space. The kernel
// treats the hint as a suggestion, so the arena usually lands beside the
// target library and relative displacements between them stay short.
type arenaSet struct {
	mu     sync.Mutex
	arenas map[uintptr]*allocator
}

func (s *arenaSet) near(addr uintptr) *allocator {
	region := addr &^ (arenaRegion - 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.arenas == nil {
		s.arenas = make(map[uintptr]*allocator)
	}
	a, ok := s.arenas[region]
	if !ok {
		a = &allocator{hint: region}
		s.arenas[region] = a
	}
	return a
}

var trampolineArenas arenaSet
