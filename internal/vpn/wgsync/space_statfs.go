//go:build linux || darwin || freebsd

package wgsync

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func ensureFreeSpace(dir string, need uint64) error {
	if need == 0 {
		return nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return fmt.Errorf("%w: statfs %s: %v", ErrHelperFailed, dir, err)
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	if free < need {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrInsufficientSpace, dir, free, need)
	}
	return nil
}
