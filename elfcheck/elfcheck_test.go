package elfcheck

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(typ elf.Type, machine elf.Machine) []byte {
	hdr := make([]byte, HeaderSize)
	copy(hdr, elf.ELFMAG)
	hdr[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	binary.LittleEndian.PutUint16(hdr[16:], uint16(typ))
	binary.LittleEndian.PutUint16(hdr[18:], uint16(machine))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(elf.EV_CURRENT))
	return hdr
}

func TestCheckHeader(t *testing.T) {
	valid := header(elf.ET_DYN, elf.EM_AARCH64)

	cases := map[string]struct {
		hdr   func() []byte
		valid bool
	}{
		"aarch64 shared object": {
			hdr:   func() []byte { return valid },
			valid: true,
		},
		"executable": {
			hdr: func() []byte { return header(elf.ET_EXEC, elf.EM_AARCH64) },
		},
		"x86-64": {
			hdr: func() []byte { return header(elf.ET_DYN, elf.EM_X86_64) },
		},
		"32-bit": {
			hdr: func() []byte {
				h := header(elf.ET_DYN, elf.EM_AARCH64)
				h[elf.EI_CLASS] = byte(elf.ELFCLASS32)
				return h
			},
		},
		"big endian": {
			hdr: func() []byte {
				h := header(elf.ET_DYN, elf.EM_AARCH64)
				h[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
				return h
			},
		},
		"linux abi": {
			hdr: func() []byte {
				h := header(elf.ET_DYN, elf.EM_AARCH64)
				h[elf.EI_OSABI] = byte(elf.ELFOSABI_LINUX)
				return h
			},
		},
		"bad magic": {
			hdr: func() []byte {
				h := header(elf.ET_DYN, elf.EM_AARCH64)
				h[1] = 'X'
				return h
			},
		},
		"padding": {
			hdr: func() []byte {
				h := header(elf.ET_DYN, elf.EM_AARCH64)
				h[elf.EI_NIDENT-1] = 1
				return h
			},
			valid: true,
		},
		"abi version": {
			hdr: func() []byte {
				h := header(elf.ET_DYN, elf.EM_AARCH64)
				h[elf.EI_ABIVERSION] = 2
				return h
			},
			valid: true,
		},
		"short": {
			hdr: func() []byte { return valid[:20] },
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := CheckHeader(tc.hdr())
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestTargetMachine(t *testing.T) {
	target := DefaultTarget
	target.Machine = elf.EM_X86_64

	assert.NoError(t, target.CheckHeader(header(elf.ET_DYN, elf.EM_X86_64)))
	assert.ErrorIs(t, target.CheckHeader(header(elf.ET_DYN, elf.EM_AARCH64)), ErrInvalid)
}

func TestStrictIdent(t *testing.T) {
	target := DefaultTarget
	target.StrictIdent = true

	assert.NoError(t, target.CheckHeader(header(elf.ET_DYN, elf.EM_AARCH64)))

	for _, i := range []int{elf.EI_ABIVERSION, elf.EI_PAD, elf.EI_NIDENT - 1} {
		h := header(elf.ET_DYN, elf.EM_AARCH64)
		h[i] = 1
		assert.ErrorIs(t, target.CheckHeader(h), ErrInvalid, "ident byte %d", i)
		assert.NoError(t, DefaultTarget.CheckHeader(h), "ident byte %d", i)
	}
}

func TestCheckFile(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "libgood.so")
	require.NoError(t, os.WriteFile(good, append(header(elf.ET_DYN, elf.EM_AARCH64), make([]byte, 256)...), 0o644))
	assert.True(IsValidTarget(good))

	short := filepath.Join(dir, "libshort.so")
	require.NoError(t, os.WriteFile(short, []byte(elf.ELFMAG), 0o644))
	assert.False(IsValidTarget(short))
	assert.ErrorIs(Check(short), ErrInvalid)

	assert.False(IsValidTarget(filepath.Join(dir, "missing.so")))
	assert.ErrorIs(Check(filepath.Join(dir, "missing.so")), os.ErrNotExist)
}
