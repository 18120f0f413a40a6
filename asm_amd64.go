package interpose

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeLEA     = 0x8d

	opcodeMOV_r_rm = 0x8b // MOV r, r/m

	relJumpLen = 5 // 1 byte opcode + 4 byte address
)

// insertJump writes a jump to dest at the start of buf. A JMP rel32 is used
// when dest is within reach, an absolute jump otherwise. The rest of buf is
// padded with INT3.
func insertJump(buf []byte, dest uintptr) error {
	if len(buf) < relJumpLen {
		return errors.New("buffer too small for jump instruction")
	}

	// Address to jump from
	src := sliceAddr(buf) + relJumpLen

	diff := int64(dest) - int64(src)
	if diff >= math.MinInt32 && diff <= math.MaxInt32 {
		buf[0] = opcodeJMP
		binary.LittleEndian.PutUint32(buf[1:], uint32(int32(diff)))
		for i := relJumpLen; i < len(buf); i++ {
			buf[i] = opcodeINT3
		}
		return nil
	}

	return writeAbsJump(buf, dest)
}

// relocateFunc copies machine instructions from src into dest translating
// relative instructions as it goes. cap(dest) must leave room for call
// islands, up to 4x len(src).
//
// The data underlying the slices is assumed to be the same address the code
// would execute from.
//
// The dest slice is returned after being resized.
func relocateFunc(src, dest []byte) ([]byte, error) {
	srcBase := sliceAddr(src)
	srcEnd := srcBase + uintptr(len(src))
	destBase := sliceAddr(dest)

	// Trim INT3 opcodes from the end of src
	padStart := len(src) - 1
	for ; padStart >= 0 && src[padStart] == opcodeINT3; padStart-- {
	}
	src = src[:padStart+1]
	if len(src) == 0 {
		return nil, errors.New("function has no instructions")
	}
	if cap(dest) < len(src) {
		return nil, fmt.Errorf("destination too small: %d < %d", cap(dest), len(src))
	}

	dest = dest[:len(src)]

	appendIsland := func(island []byte) error {
		if len(dest)+len(island) > cap(dest) {
			return fmt.Errorf("no room for call island")
		}
		dest = append(dest, island...)
		return nil
	}

	for i := 0; i < len(src); {
		instruction, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		srcAddr := srcBase + uintptr(i) + uintptr(instruction.Len)
		destAddr := destBase + uintptr(i) + uintptr(instruction.Len)

		rel, isRel := relArg(instruction)
		mem, isRIP := ripArg(instruction)

		switch {
		case isRel:
			absDest := uintptr(int64(srcAddr) + int64(rel))
			if absDest >= srcBase && absDest < srcEnd {
				// Branches inside the function keep their offsets.
				copy(dest[i:], src[i:i+instruction.Len])
				break
			}

			opcode := byte(instruction.Opcode >> 24)
			if opcode != opcodeCALLrel && opcode != opcodeJMP {
				return nil, fmt.Errorf("%w: %v leaves the function at offset %d", ErrRelocation, instruction.Op, i)
			}

			newRelAddr := int64(absDest) - int64(destAddr)
			if newRelAddr >= math.MinInt32 && newRelAddr <= math.MaxInt32 {
				// We can replace the address directly
				dest[i] = opcode
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(int32(newRelAddr)))
				break
			}

			// The new address is too far to reach directly
			jumpBack := int32(i + instruction.Len - len(dest))
			island := jumpIsland(absDest, opcode == opcodeCALLrel, jumpBack)
			jumpTo := int32(len(dest) - (i + instruction.Len))

			if err := appendIsland(island); err != nil {
				return nil, err
			}

			dest[i] = opcodeJMP
			binary.LittleEndian.PutUint32(dest[i+1:], uint32(jumpTo))
		case isRIP:
			switch instruction.Opcode >> 24 {
			case opcodeLEA, opcodeMOV_r_rm:
			default:
				return nil, fmt.Errorf("%w: RIP-relative %v at offset %d", ErrRelocation, instruction.Op, i)
			}

			copy(dest[i:], src[i:i+instruction.Len-4])

			newDisp := (int64(srcAddr) + mem.Disp) - int64(destAddr)
			if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
				return nil, fmt.Errorf("%w: unable to translate instruction relative address at offset %d", ErrRelocation, i)
			}

			binary.LittleEndian.PutUint32(dest[i+instruction.Len-4:], uint32(int32(newDisp)))
		default:
			copy(dest[i:], src[i:i+instruction.Len])
		}

		i += instruction.Len
	}

	// Pad to 16-bytes
	for len(dest)&0xf != 0 && len(dest) < cap(dest) {
		dest = append(dest, opcodeINT3)
	}

	return dest, nil
}

// jumpIsland returns the x86-64 machine code equivalent of:
//
//	MOVQ <dest>, R11
//	CALL R11          (or JMP R11)
//	JMP <jumpBack+offset>
//
// jumpBack should be relative to the beginning of the block and will be
// adjusted for it's final address. A jump island ends at the JMP R11.
func jumpIsland(dest uintptr, call bool, jumpBack int32) []byte {
	if !call {
		return absJump(dest)
	}

	buf := absCall(dest)
	i := len(buf)

	// JMP <jumpBack>
	buf = append(buf, opcodeJMP, 0, 0, 0, 0)
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))

	return buf
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := sliceAddr(code)

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
