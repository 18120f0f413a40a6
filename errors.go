package interpose

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSymbolNotFound means the module does not export the symbol
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrModuleUnavailable means the module is not mapped into the process
	ErrModuleUnavailable = errors.New("module unavailable")
	// ErrInstallFailure wraps every failed hook installation
	ErrInstallFailure = errors.New("hook install failed")
	// ErrTrampolineInvalid means the trampoline was used before the hook was active
	ErrTrampolineInvalid = errors.New("trampoline invalid")
	// ErrBridgeUninitialized means the bridge has no cached runtime handles
	ErrBridgeUninitialized = errors.New("bridge uninitialized")
	// ErrBridgeAttach means the runtime refused to attach the calling thread
	ErrBridgeAttach = errors.New("bridge attach failed")
	// ErrThreadDetached is returned by Runtime.Env when the calling thread is
	// not known to the runtime
	ErrThreadDetached = errors.New("thread not attached")

	// ErrDoubleHook means the target already has a hook
	ErrDoubleHook = errors.New("double hook")
	// ErrStaleSymbol means the symbol no longer points into the image it was
	// resolved against
	ErrStaleSymbol = errors.New("stale symbol")
	// ErrRelocation means an instruction could not be moved into a trampoline
	ErrRelocation = errors.New("instruction cannot be relocated")
	// ErrUnsupportedArch means there is no patching strategy for GOARCH
	ErrUnsupportedArch = errors.New("unsupported architecture")
)

// ResolveError reports a failed symbol lookup.
type ResolveError struct {
	Module string
	Symbol string
	Cause  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s!%s: %v", e.Module, e.Symbol, e.Cause)
}

func (e *ResolveError) Unwrap() error {
	return e.Cause
}

// InstallError reports which phase of a hook installation failed. It always
// matches ErrInstallFailure with errors.Is.
type InstallError struct {
	Symbol Symbol
	Phase  string
	Cause  error
}

func (e *InstallError) Error() string {
	var b strings.Builder
	b.WriteString("install hook")

	if e.Symbol.Name != "" {
		b.WriteString(" on ")
		b.WriteString(e.Symbol.Name)
	}
	fmt.Fprintf(&b, " at %#x", e.Symbol.Addr)

	if e.Phase != "" {
		b.WriteString(" (")
		b.WriteString(e.Phase)
		b.WriteString(")")
	}

	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

func (e *InstallError) Unwrap() []error {
	return []error{ErrInstallFailure, e.Cause}
}

func installError(sym Symbol, phase string, cause error) *InstallError {
	return &InstallError{
		Symbol: sym,
		Phase:  phase,
		Cause:  cause,
	}
}
