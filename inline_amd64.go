package interpose

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	// MOV R11, imm64; JMP R11
	absJumpLen = 13

	// Longest run of instructions that can cover absJumpLen bytes.
	prologueWindow = absJumpLen + 15

	// Every stolen instruction grows to at most 15 bytes, plus the jump back.
	maxPrologueTrampoline = prologueWindow*15 + absJumpLen
)

// absJump returns MOV R11, dest; JMP R11. R11 is a scratch register at call
// boundaries in the System V ABI.
func absJump(dest uintptr) []byte {
	buf := make([]byte, absJumpLen)
	buf[0] = 0x49 // REX.W+B
	buf[1] = 0xbb // MOV r11, imm64
	binary.LittleEndian.PutUint64(buf[2:], uint64(dest))
	buf[10] = 0x41 // REX.B
	buf[11] = 0xff
	buf[12] = 0xe3 // JMP r11
	return buf
}

// absCall is the same as absJump but with CALL R11.
func absCall(dest uintptr) []byte {
	buf := absJump(dest)
	buf[12] = 0xd3
	return buf
}

// writeAbsJump overwrites the start of entry with an absolute jump and pads
// the rest of it with INT3.
func writeAbsJump(entry []byte, dest uintptr) error {
	if len(entry) < absJumpLen {
		return fmt.Errorf("%d bytes is too small for an absolute jump", len(entry))
	}

	copy(entry, absJump(dest))
	for i := absJumpLen; i < len(entry); i++ {
		entry[i] = opcodeINT3
	}
	return nil
}

// relocatePrologue copies whole instructions from the start of src into
// dest until at least n bytes have been taken, then appends a jump back to
// the first instruction that wasn't taken. srcBase is the address src runs
// from. It returns the trampoline and the number of bytes taken.
//
// dest must be large enough for the expanded code; nothing is appended past
// its capacity.
func relocatePrologue(src []byte, srcBase uintptr, dest []byte, n int) ([]byte, int, error) {
	destBase := sliceAddr(dest)
	out := dest[:0]

	emit := func(b []byte) error {
		if len(out)+len(b) > cap(dest) {
			return fmt.Errorf("trampoline needs more than %d bytes", cap(dest))
		}
		out = append(out, b...)
		return nil
	}

	stolen := 0
	for stolen < n {
		if stolen >= len(src) {
			return nil, 0, fmt.Errorf("%w: only %d bytes readable at target", ErrRelocation, len(src))
		}

		instruction, err := x86asm.Decode(src[stolen:], 64)
		if err != nil {
			return nil, 0, fmt.Errorf("decode error at offset %d: %w", stolen, err)
		}

		raw := src[stolen : stolen+instruction.Len]
		srcNext := srcBase + uintptr(stolen+instruction.Len)

		if stolen+instruction.Len < n && endsFunction(instruction) {
			return nil, 0, fmt.Errorf("%w: function ends after %d bytes", ErrRelocation, stolen+instruction.Len)
		}

		if rel, ok := relArg(instruction); ok {
			target := uintptr(int64(srcNext) + int64(rel))
			switch instruction.Op {
			case x86asm.CALL:
				err = emit(absCall(target))
			case x86asm.JMP:
				err = emit(absJump(target))
			default:
				err = fmt.Errorf("%w: %v at offset %d", ErrRelocation, instruction.Op, stolen)
			}
		} else if mem, ok := ripArg(instruction); ok {
			switch instruction.Opcode >> 24 {
			case opcodeLEA, opcodeMOV_r_rm:
				operand := uintptr(int64(srcNext) + mem.Disp)
				destNext := destBase + uintptr(len(out)+instruction.Len)
				newDisp := int64(operand) - int64(destNext)
				if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
					var abs []byte
					abs, err = ripAbsolute(raw, operand)
					if err != nil {
						return nil, 0, fmt.Errorf("%w: RIP-relative operand at offset %d out of range: %v", ErrRelocation, stolen, err)
					}
					err = emit(abs)
					break
				}

				moved := append([]byte(nil), raw...)
				binary.LittleEndian.PutUint32(moved[len(moved)-4:], uint32(int32(newDisp)))
				err = emit(moved)
			default:
				err = fmt.Errorf("%w: RIP-relative %v at offset %d", ErrRelocation, instruction.Op, stolen)
			}
		} else {
			err = emit(raw)
		}
		if err != nil {
			return nil, 0, err
		}

		stolen += instruction.Len
	}

	if err := emit(absJump(srcBase + uintptr(stolen))); err != nil {
		return nil, 0, err
	}

	return out, stolen, nil
}

// ripAbsolute rewrites a RIP-relative LEA or MOV r, [rip+disp32] into code
// that doesn't depend on where it runs. The operand address is loaded into
// the destination register with MOV r64, imm64; a MOV then loads through
// that register.
func ripAbsolute(raw []byte, operand uintptr) ([]byte, error) {
	// opcode, ModRM, disp32
	op := len(raw) - 6
	if op < 0 || raw[op+1]&0xc7 != 0x05 {
		return nil, errors.New("unexpected encoding")
	}

	prefixes := raw[:op]
	var rex byte
	if op > 0 && raw[op-1]&0xf0 == 0x40 {
		rex = raw[op-1]
		prefixes = raw[:op-1]
	}
	reg := (raw[op+1]>>3)&7 | (rex&0x4)<<1

	load := make([]byte, 10)
	load[0] = 0x48 // REX.W
	if reg >= 8 {
		load[0] |= 0x1 // REX.B
	}
	load[1] = 0xb8 + reg&7 // MOV r64, imm64
	binary.LittleEndian.PutUint64(load[2:], uint64(operand))

	switch raw[op] {
	case opcodeLEA:
		if rex&0x8 == 0 || len(prefixes) > 0 {
			return nil, errors.New("LEA narrower than 64 bits")
		}
		return load, nil
	case opcodeMOV_r_rm:
		if reg&7 == 4 {
			// [rsp] and [r12] need a SIB byte
			return nil, errors.New("MOV into RSP or R12")
		}
	default:
		return nil, fmt.Errorf("opcode %#x", raw[op])
	}

	// Same instruction, but reading [reg].
	out := append(load, prefixes...)
	if rex != 0 {
		out = append(out, rex|(rex&0x4)>>2)
	}
	modrm := raw[op+1]&0x38 | reg&7
	if reg&7 == 5 {
		// mod=00 with rbp or r13 means RIP, use [reg+0]
		out = append(out, opcodeMOV_r_rm, modrm|0x40, 0)
	} else {
		out = append(out, opcodeMOV_r_rm, modrm)
	}
	return out, nil
}

func relArg(inst x86asm.Inst) (x86asm.Rel, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return rel, true
		}
	}
	return 0, false
}

func ripArg(inst x86asm.Inst) (x86asm.Mem, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return mem, true
		}
	}
	return x86asm.Mem{}, false
}

func endsFunction(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.JMP, x86asm.UD2, x86asm.INT:
		return true
	}
	return false
}
