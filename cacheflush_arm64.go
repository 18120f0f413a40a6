//go:build arm64 && cgo

package interpose

import "unsafe"

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

// cacheflush makes freshly written instructions in buf visible to the
// instruction fetch of every core.
func cacheflush(buf []byte) {
	if len(buf) == 0 {
		return
	}
	start := unsafe.Pointer(unsafe.SliceData(buf))
	end := unsafe.Add(start, len(buf))
	C.cacheflush((*C.char)(start), (*C.char)(end))
}
