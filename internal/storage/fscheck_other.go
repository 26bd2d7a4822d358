//go:build !darwin && !linux

package storage

import "fmt"

func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("filesystem type detection not implemented for this platform")
}
