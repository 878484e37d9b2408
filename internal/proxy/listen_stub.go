//go:build !linux

package proxy

import "syscall"

func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}
