package pool

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrDiskFull is returned by CheckFreeSpace when the pool's filesystem
// has less than minFreeBytes available.
var ErrDiskFull = errors.New("pool: insufficient free disk space")

// CheckFreeSpace probes the filesystem backing poolPath and returns
// ErrDiskFull if fewer than minFreeBytes remain. Called before staging
// a new chunk (spec.md §4.3) so a backup fails fast with a clear error
// instead of mid-write.
func CheckFreeSpace(poolPath string, minFreeBytes uint64) error {
	usage, err := disk.Usage(poolPath)
	if err != nil {
		return fmt.Errorf("probing free space for %s: %w", poolPath, err)
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("%w: %d bytes free at %s, need %d", ErrDiskFull, usage.Free, poolPath, minFreeBytes)
	}
	return nil
}
