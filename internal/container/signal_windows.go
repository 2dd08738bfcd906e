//go:build windows

package container

import "os"

var terminateSignal = os.Kill
