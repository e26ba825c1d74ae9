package executor

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the current goroutine's numeric id from its stack
// trace header ("goroutine 123 [running]:"). It is used only to answer "is
// the caller already running on this serializer", which is the one place
// Dispatch's inline-if-already-there semantics require goroutine identity.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
