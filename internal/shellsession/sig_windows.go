//go:build windows

package shellsession

import "os"

var terminateSignal = os.Kill
