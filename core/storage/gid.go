package storage

import (
	"runtime"
	"strconv"
	"strings"
)

// goroutineID extracts the current goroutine id from the stack header.
// The runtime does not expose it directly; the first stack line is
// stable across releases: "goroutine N [state]:".
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return -1
}
