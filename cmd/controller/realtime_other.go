//go:build !linux

package main

import "runtime"

func tuneRealtime() {
	runtime.LockOSThread()
}
