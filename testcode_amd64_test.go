//go:build linux

package interpose

import "encoding/binary"

// Generated functions are padded to 32 bytes so either backend can patch
// them.
const testFuncSize = 32

// returnConstCode is: mov eax, v; nop...; ret
func returnConstCode(v uint32) []byte {
	buf := nops(testFuncSize)
	buf[0] = 0xb8
	binary.LittleEndian.PutUint32(buf[1:], v)
	buf[testFuncSize-1] = 0xc3
	return buf
}

// addCode is: lea rax, [rdi+rsi]; nop...; ret
func addCode() []byte {
	buf := nops(testFuncSize)
	copy(buf, []byte{0x48, 0x8d, 0x04, 0x37})
	buf[testFuncSize-1] = 0xc3
	return buf
}

// shortCode is: mov eax, 1; ret. Too short for an absolute jump.
func shortCode() []byte {
	return []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3}
}
