// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listener accepts StreamPorts on a unix socket.
type Listener struct {
	listener *net.UnixListener
	path     string
}

// Listen binds a unix socket at path with mode 0600. A stale socket
// file left by a previous process is removed first; any other existing
// file is an error.
func Listen(path string) (*Listener, error) {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode().Type() != fs.ModeSocket {
			return nil, fmt.Errorf("listen %s: path exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("listen %s: removing stale socket: %w", path, err)
		}
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &Listener{listener: listener, path: path}, nil
}

// Path returns the socket path.
func (l *Listener) Path() string {
	return l.path
}

// Addr implements Acceptor.
func (l *Listener) Addr() string {
	return "unix:" + l.path
}

// Accept waits for the next connection. The returned metadata holds
// the peer's pid, uid, and gid when the platform reports them.
func (l *Listener) Accept(ctx context.Context) (Port, Metadata, error) {
	type accepted struct {
		conn *net.UnixConn
		err  error
	}
	result := make(chan accepted, 1)
	go func() {
		conn, err := l.listener.AcceptUnix()
		result <- accepted{conn, err}
	}()

	select {
	case <-ctx.Done():
		// Closing the listener unblocks the pending AcceptUnix.
		l.Close()
		if r := <-result; r.conn != nil {
			r.conn.Close()
		}
		return nil, nil, ctx.Err()
	case r := <-result:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, nil, ErrClosed
			}
			return nil, nil, fmt.Errorf("accept on %s: %w", l.path, r.err)
		}
		return NewStreamPort(r.conn), PeerCredentials(r.conn), nil
	}
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Dial connects to the unix socket at path.
func Dial(ctx context.Context, path string) (*StreamPort, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewStreamPort(conn), nil
}

// PeerCredentials reads SO_PEERCRED from conn. On failure (non-Linux,
// or a socket pair without credentials) the result is empty.
func PeerCredentials(conn *net.UnixConn) Metadata {
	metadata := Metadata{}
	raw, err := conn.SyscallConn()
	if err != nil {
		return metadata
	}
	var credentials *unix.Ucred
	var credentialErr error
	controlErr := raw.Control(func(fd uintptr) {
		credentials, credentialErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil || credentialErr != nil || credentials == nil {
		return metadata
	}
	metadata["pid"] = strconv.Itoa(int(credentials.Pid))
	metadata["uid"] = strconv.FormatUint(uint64(credentials.Uid), 10)
	metadata["gid"] = strconv.FormatUint(uint64(credentials.Gid), 10)
	return metadata
}
