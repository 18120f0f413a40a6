package interpose

import (
	"errors"
	"fmt"
)

type cloneBackend struct{}

// CloneBackend copies the entire target function into the trampoline arena
// and redirects the target's entry. The trampoline is a complete function,
// so branches back to the start of the target are harmless. The symbol size
// must be known.
func CloneBackend() Backend {
	return cloneBackend{}
}

func (cloneBackend) Name() string {
	return BackendClone
}

func (cloneBackend) Prepare(sym Symbol) (*Patch, error) {
	if sym.Size == 0 {
		return nil, errors.New("clone backend needs the function size")
	}
	if sym.Image.End != 0 && sym.Addr+sym.Size > sym.Image.End {
		return nil, fmt.Errorf("function runs past the end of its mapping")
	}

	originalCode := code(sym.Addr, sym.Size)

	arena := trampolineArenas.near(sym.Addr)

	// Leave room for call islands.
	tramp, err := arena.write(len(originalCode)*4+16, func(buf []byte) ([]byte, error) {
		return relocateFunc(originalCode, buf)
	})
	if err != nil {
		return nil, err
	}

	p := &Patch{
		sym:        sym,
		trampoline: tramp,
		entry:      originalCode,
		arena:      arena,
	}
	p.jump = p.relayJump
	return p, nil
}

// relayJump is insertJump for entries that may be too short for an absolute
// jump. When that's the case the absolute jump goes in a relay next to the
// trampoline and the entry only needs a relative jump to the relay.
func (p *Patch) relayJump(entry []byte, dest uintptr) error {
	if len(entry) >= absJumpLen {
		return insertJump(entry, dest)
	}
	if err := insertJump(entry, dest); err == nil {
		return nil
	}

	if p.relay == nil {
		relay, err := p.arena.write(absJumpLen, func(buf []byte) ([]byte, error) {
			return buf, writeAbsJump(buf, dest)
		})
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		p.relay = relay
	}
	return insertJump(entry, sliceAddr(p.relay))
}

func (cloneBackend) Commit(p *Patch, handler uintptr) error {
	return commitPatch(p, handler)
}
