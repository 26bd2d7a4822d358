//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type magics for the network filesystems we refuse to run on.
var networkFSMagics = map[uint64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
}

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	if name, ok := networkFSMagics[uint64(stat.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint64(stat.Type)), nil
}
