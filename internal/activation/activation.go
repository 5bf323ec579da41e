// Package activation picks up the socket systemd passes to serve.
package activation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr).
const firstFD = 3

// SocketName is the FileDescriptorName= serve looks for. systemd defaults
// the name to the socket unit, so "modsync.socket" matches as well.
const SocketName = "modsync"

var (
	// ErrNoSocket is returned when none of the passed sockets carries the
	// requested name.
	ErrNoSocket = errors.New("no matching activated socket")
	// ErrAmbiguous is returned when several unnamed sockets were passed.
	ErrAmbiguous = errors.New("several activated sockets, set FileDescriptorName")
)

// Listener returns the activated socket named name, or nil when the process
// was started normally. Without LISTEN_FDNAMES exactly one socket must be
// passed. Sockets that are not selected are closed, and the LISTEN_*
// variables are cleared so the launched game does not inherit them.
func Listener(name string) (net.Listener, error) {
	count, names, err := environment()
	if err != nil || count == 0 {
		return nil, err
	}
	defer clearEnvironment()

	slot, err := pick(count, names, name)
	for i := 0; i < count; i++ {
		if i != slot {
			_ = os.NewFile(uintptr(firstFD+i), "unused-socket").Close()
		}
	}
	if err != nil {
		return nil, err
	}

	file := os.NewFile(uintptr(firstFD+slot), name)
	if file == nil {
		return nil, fmt.Errorf("invalid descriptor %d", firstFD+slot)
	}
	// The listener holds its own duplicate of the descriptor.
	defer func() {
		_ = file.Close()
	}()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", firstFD+slot, err)
	}
	return ln, nil
}

// environment reports how many sockets were passed to this process and
// their names. A count of zero means no activation.
func environment() (int, []string, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return 0, nil, nil
	}

	var names []string
	if raw := os.Getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
		if len(names) != count {
			return 0, nil, fmt.Errorf("LISTEN_FDNAMES lists %d names for %d sockets", len(names), count)
		}
	}
	return count, names, nil
}

// pick returns the slot of the socket to serve on. Slots not returned are
// the caller's to close.
func pick(count int, names []string, name string) (int, error) {
	if names == nil {
		if count != 1 {
			return -1, fmt.Errorf("%w: got %d", ErrAmbiguous, count)
		}
		return 0, nil
	}
	slot := -1
	for i, n := range names {
		if n != name && n != name+".socket" {
			continue
		}
		if slot >= 0 {
			return -1, fmt.Errorf("%w: %q passed twice", ErrAmbiguous, name)
		}
		slot = i
	}
	if slot < 0 {
		return -1, fmt.Errorf("%w: want %q, got %s", ErrNoSocket, name, strings.Join(names, ", "))
	}
	return slot, nil
}

func clearEnvironment() {
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
}
