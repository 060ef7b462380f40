//go:build !unix

package engine

import (
	"fmt"
	"os"
)

func accessible(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("socket %s not accessible: %w", path, err)
	}
	return nil
}
