package interpose

import (
	"errors"
	"fmt"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// Not exported by purego. The value is the same on glibc, musl and bionic.
const rtldNoLoad = 0x4

// Symbol is a resolved function address. It stays valid for as long as the
// module it came from stays loaded, which is not tracked.
type Symbol struct {
	Module string
	Name   string
	Addr   uintptr
	// Size of the function in bytes, 0 if unknown.
	Size uintptr
	// Image is the mapping Addr fell in when the symbol was resolved.
	Image Mapping
}

func (s Symbol) String() string {
	if s.Module == "" {
		return fmt.Sprintf("%s@%#x", s.Name, s.Addr)
	}
	return fmt.Sprintf("%s!%s@%#x", s.Module, s.Name, s.Addr)
}

// Resolve finds the address of an exported function in a module that is
// already loaded. It never loads the module itself. If the module isn't
// loaded the error matches ErrModuleUnavailable; if the symbol is missing it
// matches ErrSymbolNotFound.
func (c *Context) Resolve(module, name string) (Symbol, error) {
	sym, err := resolve(module, name)
	if err != nil {
		c.log.Debug("symbol lookup failed",
			zap.String("module", module),
			zap.String("symbol", name),
			zap.Error(err))
		return Symbol{}, err
	}

	c.log.Debug("resolved symbol",
		zap.String("module", module),
		zap.String("symbol", name),
		zap.Uintptr("addr", sym.Addr),
		zap.Uintptr("size", sym.Size))
	return sym, nil
}

func resolve(module, name string) (Symbol, error) {
	handle, err := purego.Dlopen(module, purego.RTLD_NOW|rtldNoLoad)
	if err != nil {
		return Symbol{}, &ResolveError{
			Module: module,
			Symbol: name,
			Cause:  fmt.Errorf("%w: %v", ErrModuleUnavailable, err),
		}
	}
	// Balances the reference taken by dlopen. The module was loaded before
	// we got here so this can't unload it.
	defer purego.Dlclose(handle)

	addr, err := purego.Dlsym(handle, name)
	if err != nil || addr == 0 {
		cause := ErrSymbolNotFound
		if err != nil {
			cause = fmt.Errorf("%w: %v", ErrSymbolNotFound, err)
		}
		return Symbol{}, &ResolveError{Module: module, Symbol: name, Cause: cause}
	}

	sym := Symbol{
		Module: module,
		Name:   name,
		Addr:   addr,
	}

	sym.Image, err = MappingFor(addr)
	if err != nil {
		return Symbol{}, &ResolveError{Module: module, Symbol: name, Cause: err}
	}

	// The size is only needed by the clone backend. Leave it at zero when
	// the image can't be read.
	sym.Size, _ = symbolSize(sym.Image.Path, name)

	return sym, nil
}

// SymbolAt describes a function that isn't exported by a named module, for
// example code generated at runtime. size may be 0 if unknown.
func SymbolAt(name string, addr, size uintptr) (Symbol, error) {
	if addr == 0 {
		return Symbol{}, errors.New("nil function address")
	}

	image, err := MappingFor(addr)
	if err != nil {
		return Symbol{}, err
	}

	return Symbol{
		Name:  name,
		Addr:  addr,
		Size:  size,
		Image: image,
	}, nil
}

// ResolveInto resolves a symbol and binds it to fnPtr, which must be a
// pointer to a func variable. See purego.RegisterFunc for the supported
// signatures.
func (c *Context) ResolveInto(module, name string, fnPtr any) (err error) {
	sym, err := c.Resolve(module, name)
	if err != nil {
		return err
	}

	// RegisterFunc panics on unsupported signatures.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind %s: %v", sym, r)
		}
	}()
	purego.RegisterFunc(fnPtr, sym.Addr)
	return nil
}
