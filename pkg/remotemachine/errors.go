package remotemachine

import "errors"

// ErrPlatformGuessFailed is returned by Connect when no configured
// adapter's checks pass against the remote host.
var ErrPlatformGuessFailed = errors.New("remotemachine: could not determine remote platform")

// ErrUnsupportedPlatform names the failure of an operation (e.g. a
// specific deploy method) that has no implementation for the machine's
// detected platform family. No function in this package returns it.
var ErrUnsupportedPlatform = errors.New("remotemachine: operation unsupported on this platform")
