package preflight

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// MinDiskSpaceBytes is the free space the store needs to grow into.
const MinDiskSpaceBytes = 200 * 1024 * 1024

// WritableDir checks that dir exists, or can be created, and accepts new
// files.
func WritableDir(name, dir string, required bool) Check {
	return Check{
		Name:     name,
		Required: required,
		Run: func(context.Context) Outcome {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return Outcome{Status: StatusFail, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
			}
			f, err := os.CreateTemp(dir, ".hybridrag-doctor-*")
			if err != nil {
				return Outcome{
					Status:  StatusFail,
					Message: fmt.Sprintf("%s is not writable", dir),
					Hint:    err.Error(),
				}
			}
			_ = f.Close()
			_ = os.Remove(f.Name())
			return Outcome{Status: StatusPass, Message: dir}
		},
	}
}

// DiskSpace checks the free space on the filesystem holding path. A path
// that does not exist yet is measured at its nearest existing parent.
func DiskSpace(name, path string, minBytes uint64) Check {
	return Check{
		Name:     name,
		Required: true,
		Run: func(context.Context) Outcome {
			avail, err := availableBytes(existingParent(path))
			if err != nil {
				return Outcome{Status: StatusFail, Message: fmt.Sprintf("cannot check disk space: %v", err)}
			}
			msg := fmt.Sprintf("%s free (minimum: %s)", formatBytes(avail), formatBytes(minBytes))
			if avail < minBytes {
				return Outcome{Status: StatusFail, Message: msg, Hint: "Free space or move store.path to a larger volume"}
			}
			return Outcome{Status: StatusPass, Message: msg}
		},
	}
}

func availableBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
