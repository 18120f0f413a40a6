package interpose

import (
	"debug/elf"
	"errors"
	"fmt"
)

// symbolSize looks up the size of an exported function in the ELF image at
// path. Only the dynamic symbol table is consulted since that's what dlsym
// can see.
func symbolSize(path, name string) (uintptr, error) {
	if path == "" {
		return 0, errors.New("no image path")
	}

	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, err
	}

	return funcSize(syms, name)
}

func funcSize(syms []elf.Symbol, name string) (uintptr, error) {
	var fn *elf.Symbol
	for i, s := range syms {
		if s.Name == name && isDefinedFunc(s) {
			fn = &syms[i]
			break
		}
	}
	if fn == nil {
		return 0, fmt.Errorf("no function symbol %s", name)
	}
	if fn.Size != 0 {
		return uintptr(fn.Size), nil
	}

	// Hand-written assembly often has no size. Assume the function runs up
	// to the next function in the same section.
	var length uint64
	for _, s := range syms {
		if !isDefinedFunc(s) || s.Section != fn.Section || s.Value <= fn.Value {
			continue
		}
		if d := s.Value - fn.Value; length == 0 || d < length {
			length = d
		}
	}
	if length == 0 {
		return 0, fmt.Errorf("size of %s is unknown", name)
	}
	return uintptr(length), nil
}

func isDefinedFunc(s elf.Symbol) bool {
	return elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Section != elf.SHN_UNDEF
}
