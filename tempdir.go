package scanner

import (
	"os"
)

// TempDir returns either a temporary directory in /dev/shm (if it exists), or
// otherwise in the OS default temporary directory. Recorders write frames
// there and the native helper reads them from there, so memory-backed
// storage keeps per-frame disk writes off the SD card of small devices.
func TempDir() (string, error) {
	// Check if /dev/shm exists first. Don't want to accidentially create a
	// directory in /dev (if someones runs this as root).
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		dir, err := os.MkdirTemp("/dev/shm", "barcodescan")
		if err == nil {
			return dir, nil
		}
	}
	return os.MkdirTemp("", "barcodescan")
}
