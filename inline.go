package interpose

import "fmt"

type inlineBackend struct{}

// InlineBackend patches only the first few instructions of the target. They
// are moved into a trampoline that jumps back to the rest of the original
// function. The target's size doesn't need to be known.
func InlineBackend() Backend {
	return inlineBackend{}
}

func (inlineBackend) Name() string {
	return BackendInline
}

func (inlineBackend) Prepare(sym Symbol) (*Patch, error) {
	if sym.Size != 0 && sym.Size < absJumpLen {
		return nil, fmt.Errorf("%w: function is %d bytes, patch needs %d", ErrRelocation, sym.Size, absJumpLen)
	}

	// Don't read past the mapping.
	window := uintptr(prologueWindow)
	if sym.Image.End != 0 && sym.Addr+window > sym.Image.End {
		window = sym.Image.End - sym.Addr
	}
	src := code(sym.Addr, window)

	arena := trampolineArenas.near(sym.Addr)

	var stolen int
	tramp, err := arena.write(maxPrologueTrampoline, func(buf []byte) ([]byte, error) {
		var out []byte
		var err error
		out, stolen, err = relocatePrologue(src, sym.Addr, buf, absJumpLen)
		return out, err
	})
	if err != nil {
		return nil, err
	}

	if sym.Size != 0 && uintptr(stolen) > sym.Size {
		arena.release(tramp)
		return nil, fmt.Errorf("%w: prologue runs %d bytes past the end of the function", ErrRelocation, uintptr(stolen)-sym.Size)
	}

	return &Patch{
		sym:        sym,
		trampoline: tramp,
		entry:      code(sym.Addr, uintptr(stolen)),
		jump:       writeAbsJump,
		arena:      arena,
	}, nil
}

func (inlineBackend) Commit(p *Patch, handler uintptr) error {
	return commitPatch(p, handler)
}
