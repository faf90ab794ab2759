//go:build !unix

package transport

// UnixSocketsSupported reports whether Unix domain sockets are
// available on this platform.
func UnixSocketsSupported() bool {
	return false
}
