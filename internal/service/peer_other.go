//go:build !linux

package service

import "net"

// peerCredentials is a stub on platforms without SO_PEERCRED.
func peerCredentials(net.Conn) *PeerCred {
	return nil
}
