//go:build !unix

package hal

func monotonicNow() int64 { return int64(nowFallback()) }
