//go:build linux

package service

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials resolves the connecting process's identity from the
// socket via SO_PEERCRED. Returns nil if the transport does not carry
// credentials.
func peerCredentials(conn net.Conn) *PeerCred {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil
	}

	var cred *unix.Ucred
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || err != nil || cred == nil {
		return nil
	}
	return &PeerCred{Pid: cred.Pid, Uid: cred.Uid, Gid: cred.Gid}
}
