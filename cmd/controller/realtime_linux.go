//go:build linux

package main

import (
	"log"
	"runtime"

	"golang.org/x/sys/unix"
)

// tuneRealtime pins the tick loop's memory and binds it to the last
// CPU, so page faults and migrations don't stretch tick periods.
func tuneRealtime() {
	runtime.LockOSThread()
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Printf("controller: mlockall: %v", err)
	}
	var set unix.CPUSet
	set.Set(runtime.NumCPU() - 1)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Printf("controller: cpu affinity: %v", err)
	}
}
