//go:build linux

package interpose

const testFuncSize = 32

// returnConstCode is: mov w0, #v; nop...; ret
func returnConstCode(v uint32) []byte {
	return words(0x52800000|(v&0xffff)<<5, _NOP, _NOP, _NOP, _NOP, _NOP, _NOP, 0xd65f03c0)
}

// addCode is: add x0, x0, x1; nop...; ret
func addCode() []byte {
	return words(0x8b010000, _NOP, _NOP, _NOP, _NOP, _NOP, _NOP, 0xd65f03c0)
}

// shortCode is: mov w0, #1; ret. Too short for an absolute jump.
func shortCode() []byte {
	return words(0x52800020, 0xd65f03c0)
}
