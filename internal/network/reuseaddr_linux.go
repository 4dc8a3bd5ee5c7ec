//go:build linux

package network

import (
	"net"
	"syscall"
)

// udpSocketBuffer is the kernel buffer requested for relay sockets.
const udpSocketBuffer = 4 << 20

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR and
// enlarges the socket buffers before binding, so a restarted relay can rebind
// its port immediately and absorb bursts from many peers.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr != nil {
					return
				}
				// Buffer sizes are best effort; the kernel clamps them to rmem_max.
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpSocketBuffer)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, udpSocketBuffer)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
