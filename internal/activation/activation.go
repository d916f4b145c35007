// Package activation picks up listening sockets passed by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Socket is one systemd-activated listener
type Socket struct {
	Name     string // from LISTEN_FDNAMES, or "socket-<n>" when unnamed
	Listener net.Listener
}

// Listeners returns the systemd-activated listeners.
// It checks for systemd socket activation via LISTEN_PID and LISTEN_FDS environment variables.
// Returns nil if no socket activation is detected or if the activation is not for this process.
func Listeners() ([]Socket, error) {
	return listenersFrom(firstFD)
}

func listenersFrom(start int) ([]Socket, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if v := os.Getenv("LISTEN_FDNAMES"); v != "" {
		names = strings.Split(v, ":")
	}

	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := start + i
		name := fmt.Sprintf("socket-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := os.NewFile(uintptr(fd), name)
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Name: name, Listener: listener})
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listen returns the activated socket called name (or the only activated
// socket when there is exactly one), falling back to listening on addr.
// Activated sockets that are not returned are closed.
func Listen(name, addr string) (net.Listener, bool, error) {
	sockets, err := Listeners()
	if err != nil {
		return nil, false, err
	}

	var picked net.Listener
	for _, s := range sockets {
		if picked == nil && (s.Name == name || len(sockets) == 1) {
			picked = s.Listener
			continue
		}
		_ = s.Listener.Close()
	}
	if picked != nil {
		return picked, true, nil
	}

	if addr == "" {
		return nil, false, fmt.Errorf("no activated socket named %q and no listen address configured", name)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
