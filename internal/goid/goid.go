// Package goid resolves the runtime id of the calling goroutine.
//
// The kernel core tracks the current virtual CPU and the current task per
// goroutine; the goroutine id is the key. The id is parsed from the
// runtime.Stack header, which is stable across Go releases.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// Get returns the id of the calling goroutine.
func Get() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := bytes.TrimPrefix(buf[:n], prefix)
	end := bytes.IndexByte(header, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(header[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
