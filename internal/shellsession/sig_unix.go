//go:build !windows

package shellsession

import "syscall"

var terminateSignal = syscall.SIGTERM
