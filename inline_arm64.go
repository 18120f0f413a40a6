package interpose

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// LDR X17, #8; BR X17; .quad dest
	absJumpLen = 16

	prologueWindow = absJumpLen

	// BL expands to 20 bytes, the most of any relocated instruction.
	maxPrologueTrampoline = prologueWindow/4*20 + absJumpLen
)

const (
	_LDR_X17_8 = uint32(0x58000051) // LDR X17, #8
	_BR_X17    = uint32(0xd61f0220)
	_BLR_X17   = uint32(0xd63f0220)
	_B_12      = uint32(_B | 3) // B #12

	// LDR Xt, #8 without the register
	_LDR_8 = uint32(0x58000040)
)

// absJump returns LDR X17, #8; BR X17 followed by the literal. X17 (IP1) is
// reserved for veneers like this one by the procedure call standard.
func absJump(dest uintptr) []byte {
	buf := make([]byte, absJumpLen)
	binary.LittleEndian.PutUint32(buf, _LDR_X17_8)
	binary.LittleEndian.PutUint32(buf[4:], _BR_X17)
	binary.LittleEndian.PutUint64(buf[8:], uint64(dest))
	return buf
}

// absCall returns:
//
//	LDR X17, #8
//	B   #12
//	.quad dest
//	BLR X17
func absCall(dest uintptr) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf, _LDR_X17_8)
	binary.LittleEndian.PutUint32(buf[4:], _B_12)
	binary.LittleEndian.PutUint64(buf[8:], uint64(dest))
	binary.LittleEndian.PutUint32(buf[16:], _BLR_X17)
	return buf
}

// loadAddress returns the equivalent of ADR/ADRP Xd, addr that can run from
// anywhere:
//
//	LDR Xd, #8
//	B   #12
//	.quad addr
func loadAddress(rd uint32, addr uintptr) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf, _LDR_8|rd)
	binary.LittleEndian.PutUint32(buf[4:], _B_12)
	binary.LittleEndian.PutUint64(buf[8:], uint64(addr))
	return buf
}

func writeAbsJump(entry []byte, dest uintptr) error {
	if len(entry) < absJumpLen {
		return fmt.Errorf("%d bytes is too small for an absolute jump", len(entry))
	}
	copy(entry, absJump(dest))
	return nil
}

// relocatePrologue copies the first n bytes of src into dest, rewriting
// PC-relative instructions into absolute forms, and appends a jump back to
// srcBase+n. It returns the trampoline and the number of bytes taken.
func relocatePrologue(src []byte, srcBase uintptr, dest []byte, n int) ([]byte, int, error) {
	if len(src) < n {
		return nil, 0, fmt.Errorf("%w: only %d bytes readable at target", ErrRelocation, len(src))
	}

	out := dest[:0]
	emit := func(b []byte) error {
		if len(out)+len(b) > cap(dest) {
			return fmt.Errorf("trampoline needs more than %d bytes", cap(dest))
		}
		out = append(out, b...)
		return nil
	}

	for i := 0; i < n; i += 4 {
		raw := src[i : i+4]
		pc := srcBase + uintptr(i)

		instruction, err := arm64asm.Decode(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("decode error at offset %d %v: %w", i, raw, err)
		}

		if i+4 < n && (instruction.Op == arm64asm.RET || instruction.Op == arm64asm.BR) {
			return nil, 0, fmt.Errorf("%w: function ends after %d bytes", ErrRelocation, i+4)
		}

		off, ok := pcRelArg(instruction)
		if !ok {
			err = emit(raw)
			if err != nil {
				return nil, 0, err
			}
			continue
		}

		switch instruction.Op {
		case arm64asm.ADRP:
			var rd uint32
			rd, err = xreg(instruction.Args[0])
			if err == nil {
				err = emit(loadAddress(rd, uintptr(int64(pc&^0xfff)+int64(off))))
			}
		case arm64asm.ADR:
			var rd uint32
			rd, err = xreg(instruction.Args[0])
			if err == nil {
				err = emit(loadAddress(rd, uintptr(int64(pc)+int64(off))))
			}
		case arm64asm.BL:
			err = emit(absCall(uintptr(int64(pc) + int64(off))))
		case arm64asm.B:
			if _, unconditional := instruction.Args[0].(arm64asm.PCRel); !unconditional {
				err = fmt.Errorf("%w: conditional branch at offset %d", ErrRelocation, i)
				break
			}
			if i+4 < n {
				err = fmt.Errorf("%w: function ends after %d bytes", ErrRelocation, i+4)
				break
			}
			err = emit(absJump(uintptr(int64(pc) + int64(off))))
		default:
			err = fmt.Errorf("%w: PC-relative %v at offset %d", ErrRelocation, instruction.Op, i)
		}
		if err != nil {
			return nil, 0, err
		}
	}

	if err := emit(absJump(srcBase + uintptr(n))); err != nil {
		return nil, 0, err
	}

	return out, n, nil
}

func pcRelArg(inst arm64asm.Inst) (arm64asm.PCRel, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(arm64asm.PCRel); ok {
			return rel, true
		}
	}
	return 0, false
}

func xreg(a arm64asm.Arg) (uint32, error) {
	r, ok := a.(arm64asm.Reg)
	if !ok || r < arm64asm.X0 || r > arm64asm.X30 {
		return 0, fmt.Errorf("%w: unexpected operand %v", ErrRelocation, a)
	}
	return uint32(r - arm64asm.X0), nil
}
