// Package elfcheck decides whether a file is a shared library that can be
// loaded into the current kind of process, by its ELF header alone.
package elfcheck

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// HeaderSize is the size of an ELF64 file header.
const HeaderSize = 64

// ErrInvalid is matched by every header mismatch.
var ErrInvalid = errors.New("invalid ELF header")

// Target describes the header a valid file must have.
type Target struct {
	Class   elf.Class
	Data    elf.Data
	OSABI   elf.OSABI
	Type    elf.Type
	Machine elf.Machine
	// StrictIdent also requires EI_ABIVERSION and the ident padding to be
	// zero. Loaders ignore them, so by default they are too.
	StrictIdent bool
}

// DefaultTarget is a little-endian AArch64 shared object.
var DefaultTarget = Target{
	Class:   elf.ELFCLASS64,
	Data:    elf.ELFDATA2LSB,
	OSABI:   elf.ELFOSABI_NONE,
	Type:    elf.ET_DYN,
	Machine: elf.EM_AARCH64,
}

// IsValidTarget reports whether path has DefaultTarget's header. Unreadable
// files are not valid.
func IsValidTarget(path string) bool {
	return Check(path) == nil
}

// Check validates the header of path against DefaultTarget.
func Check(path string) error {
	return DefaultTarget.Check(path)
}

// CheckHeader validates a raw header against DefaultTarget.
func CheckHeader(hdr []byte) error {
	return DefaultTarget.CheckHeader(hdr)
}

// Check validates the header of path.
func (t Target) Check(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, HeaderSize)
	_, err = io.ReadFull(f, hdr)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: file shorter than %d bytes", ErrInvalid, HeaderSize)
		}
		return err
	}

	return t.CheckHeader(hdr)
}

// CheckHeader validates a raw header. Only the first eight identification
// bytes, type and machine are looked at, plus the rest of the ident with
// StrictIdent.
func (t Target) CheckHeader(hdr []byte) error {
	if len(hdr) < HeaderSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalid, len(hdr), HeaderSize)
	}

	ident := hdr[:elf.EI_NIDENT]
	if string(ident[:4]) != elf.ELFMAG {
		return fmt.Errorf("%w: bad magic % x", ErrInvalid, ident[:4])
	}
	if c := elf.Class(ident[elf.EI_CLASS]); c != t.Class {
		return mismatch("class", c, t.Class)
	}
	if d := elf.Data(ident[elf.EI_DATA]); d != t.Data {
		return mismatch("data encoding", d, t.Data)
	}
	if v := elf.Version(ident[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return mismatch("version", v, elf.EV_CURRENT)
	}
	if abi := elf.OSABI(ident[elf.EI_OSABI]); abi != t.OSABI {
		return mismatch("OS ABI", abi, t.OSABI)
	}
	if t.StrictIdent {
		for i := elf.EI_ABIVERSION; i < elf.EI_NIDENT; i++ {
			if ident[i] != 0 {
				return fmt.Errorf("%w: nonzero ident byte %d", ErrInvalid, i)
			}
		}
	}

	var order binary.ByteOrder = binary.LittleEndian
	if t.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	if typ := elf.Type(order.Uint16(hdr[16:])); typ != t.Type {
		return mismatch("type", typ, t.Type)
	}
	if m := elf.Machine(order.Uint16(hdr[18:])); m != t.Machine {
		return mismatch("machine", m, t.Machine)
	}

	return nil
}

func mismatch(field string, got, want fmt.Stringer) error {
	return fmt.Errorf("%w: %s is %v, want %v", ErrInvalid, field, got, want)
}
