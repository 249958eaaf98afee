//go:build unix

package acquisition

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// EnsurePipe creates a FIFO at path with mode 0666 (subject to umask). An
// existing file at path is accepted as is.
func EnsurePipe(path string) error {
	err := unix.Mkfifo(path, 0o666)
	if err == nil || errors.Is(err, unix.EEXIST) {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPipeCreate, path, err)
}
