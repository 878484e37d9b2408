package proxy

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func listenControl(network, address string, c syscall.RawConn) error {
	var innerErr error

	err := c.Control(func(fd uintptr) {
		fdi := int(fd)

		if err := unix.SetsockoptInt(fdi, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			innerErr = err
			return
		}

		// REUSEPORT may be refused in restricted environments; sharing
		// the address across acceptors is optional.
		if err := unix.SetsockoptInt(fdi, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EACCES) {
				innerErr = err
			}
		}
	})
	if err != nil {
		return err
	}
	return innerErr
}
