//go:build windows

package network

import (
	"net"
	"syscall"
)

// udpSocketBuffer is the kernel buffer requested for relay sockets.
const udpSocketBuffer = 4 << 20

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR and
// enlarges the socket buffers before binding.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpSocketBuffer)
				syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, udpSocketBuffer)
			})
		},
	}
}
