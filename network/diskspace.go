package network

import "golang.org/x/sys/unix"

// DiskSpaceChecker reports the free bytes on the filesystem holding a
// directory. It is the default StorageChecker for file transfers.
type DiskSpaceChecker struct{}

// AvailableSpace implements StorageChecker.
func (DiskSpaceChecker) AvailableSpace(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
