package common

import (
	"errors"
	"io"
	"net"
	"syscall"
)

type Temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err is a network level failure worth retrying,
// such as a refused connection while a container is still booting.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var v Temporary
	if errors.As(err, &v) && v.Temporary() {
		return true
	}
	return isNet(err)
}

func isNet(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNREFUSED || errno == syscall.ECONNRESET
	}

	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
