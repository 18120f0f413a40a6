//go:build !amd64 && !arm64

package interpose

import "fmt"

const (
	absJumpLen            = 0
	prologueWindow        = 0
	maxPrologueTrampoline = 0
)

func writeAbsJump([]byte, uintptr) error {
	return ErrUnsupportedArch
}

func relocatePrologue([]byte, uintptr, []byte, int) ([]byte, int, error) {
	return nil, 0, ErrUnsupportedArch
}

func relocateFunc(src, dest []byte) ([]byte, error) {
	return nil, ErrUnsupportedArch
}

func insertJump(buf []byte, dest uintptr) error {
	return fmt.Errorf("%w: cannot write jump", ErrUnsupportedArch)
}

func disassemble(code []byte) (string, error) {
	return "", ErrUnsupportedArch
}
