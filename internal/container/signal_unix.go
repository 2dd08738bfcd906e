//go:build !windows

package container

import "syscall"

var terminateSignal = syscall.SIGTERM
