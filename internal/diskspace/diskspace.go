// Package diskspace reports free space on the filesystem backing the media
// directory. The download leg checks it before streaming a file so a full
// disk pauses the transfer instead of failing mid-write.
package diskspace

import "fmt"

// InsufficientSpaceError indicates the target filesystem cannot hold the
// requested bytes.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB",
		e.Path, requiredMB, availableMB)
}

// IsInsufficientSpaceError reports whether err is an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	_, ok := err.(*InsufficientSpaceError)
	return ok
}

// CheckAvailableSpace verifies the filesystem holding targetPath has room
// for requiredBytes plus a safety margin (1.1 means a 10% buffer). The
// target itself may not exist yet; its parent directory is what gets
// statted. Returns nil when the filesystem cannot be queried, since network
// and virtual mounts often cannot report usable numbers.
func CheckAvailableSpace(targetPath string, requiredBytes int64, safetyMargin float64) error {
	available := availableBytes(targetPath)
	if available == 0 {
		return nil
	}

	required := int64(float64(requiredBytes) * safetyMargin)
	if available < required {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}

// GetAvailableSpace returns the free bytes on the filesystem containing
// path, or 0 when it cannot be determined.
func GetAvailableSpace(path string) int64 {
	return availableBytes(path)
}
