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

// Socket is a listener passed in by systemd together with its FileDescriptorName
type Socket struct {
	net.Listener
	Name string
}

// Listeners returns the systemd-activated listeners of this process.
// It returns nil if no socket activation is detected or if the activation is
// not for this process. The activation variables are unset afterwards so child
// processes (git) don't inherit them.
func Listeners() ([]Socket, error) {
	sockets, err := listeners(os.Getenv, os.Getpid(), firstFD)
	if err != nil || sockets == nil {
		return sockets, err
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Select returns the socket called name, or the only socket when systemd
// passed a single unnamed one. Every socket that is not returned is closed.
func Select(sockets []Socket, name string) (net.Listener, bool) {
	var chosen net.Listener
	for _, s := range sockets {
		if chosen == nil && (s.Name == name || (len(sockets) == 1 && s.Name == "unknown")) {
			chosen = s.Listener
			continue
		}
		_ = s.Close()
	}
	return chosen, chosen != nil
}

func listeners(getenv func(string) string, pid, first int) ([]Socket, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return nil, nil
	}

	fdsStr := getenv("LISTEN_FDS")
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

	// systemd uses "unknown" for sockets without FileDescriptorName
	var names []string
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := first + i
		name := "unknown"
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := os.NewFile(uintptr(fd), "systemd-socket-"+name)
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		l, err := net.FileListener(file)
		// the listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Listener: l, Name: name})
	}

	return sockets, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Close()
	}
}
