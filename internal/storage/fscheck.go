package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite's locking protocol is unreliable on these; refuse to open the
// cache there rather than corrupt it later.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

// validateSQLiteFilesystemWithDetector walks up from the database path to
// the nearest existing ancestor (the file itself may not exist yet) and
// checks the filesystem it lives on.
func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	probe, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	for {
		if _, statErr := os.Stat(probe); statErr == nil {
			break
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return fmt.Errorf("stat %q: %w", probe, statErr)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fmt.Errorf("no existing parent for database path %q", path)
		}
		probe = parent
	}

	fsType, err := detector(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"database path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Use a local path via cache.path or move the working directory to local disk",
			path, fsType)
	}
	return nil
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
