//go:build !unix

package acquisition

import "fmt"

func EnsurePipe(path string) error {
	return fmt.Errorf("%w: %s: named pipes not supported on this platform", ErrPipeCreate, path)
}
