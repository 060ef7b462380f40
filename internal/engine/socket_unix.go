//go:build unix

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// accessible reports whether the current process may talk to the socket.
func accessible(path string) error {
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("socket %s not accessible: %w", path, err)
	}
	return nil
}
