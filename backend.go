package interpose

import (
	"errors"
	"fmt"
	"strings"
)

// Backend is a patching strategy. Prepare builds the trampoline without
// touching the target; Commit redirects the target to the handler.
type Backend interface {
	Name() string
	Prepare(sym Symbol) (*Patch, error)
	Commit(p *Patch, handler uintptr) error
}

// Patch is a prepared, not yet committed, redirection.
type Patch struct {
	sym Symbol
	// executable copy of the original code, ends by returning to or jumping
	// back into the target
	trampoline []byte
	// the target bytes Commit overwrites
	entry []byte
	// writes a jump to dest at the start of entry
	jump func(entry []byte, dest uintptr) error
	// arena the trampoline came from
	arena *allocator
	// absolute jump to the handler, for entries too short to hold one
	relay []byte
}

// Trampoline returns the address that runs the original function.
func (p *Patch) Trampoline() uintptr {
	return sliceAddr(p.trampoline)
}

// Discard releases the trampoline of a patch that will never be committed.
func (p *Patch) Discard() {
	if p.trampoline == nil {
		return
	}
	p.arena.release(p.trampoline)
	p.arena.release(p.relay)
	p.trampoline = nil
	p.relay = nil
}

// commitPatch makes the target writable, writes the jump and flushes the
// instruction cache before restoring RX.
func commitPatch(p *Patch, handler uintptr) error {
	if p == nil || p.trampoline == nil {
		return fmt.Errorf("%w: patch has no trampoline", ErrTrampolineInvalid)
	}

	err := mprotect(p.entry, mprotectRWX)
	if err != nil {
		return fmt.Errorf("make target writable: %w", err)
	}

	err = p.jump(p.entry, handler)
	cacheflush(p.entry)

	rxErr := mprotect(p.entry, mprotectRX)
	if err != nil {
		return err
	}
	if rxErr != nil {
		// The jump is already in place.
		return fmt.Errorf("%w: %v", errProtectRestore, rxErr)
	}
	return nil
}

// errProtectRestore means the patch was written but the target was left
// writable.
var errProtectRestore = errors.New("restore target protection")

const (
	// BackendInline steals the function prologue.
	BackendInline = "inline"
	// BackendClone copies the whole function.
	BackendClone = "clone"
)

// BackendByName returns the backend registered under name.
func BackendByName(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendInline, "":
		return InlineBackend(), nil
	case BackendClone:
		return CloneBackend(), nil
	default:
		return nil, fmt.Errorf("unknown hook backend %q", name)
	}
}
