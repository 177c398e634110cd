package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite locking misbehaves on network mounts, so Open refuses them.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWithDetector(path, detectFilesystemType)
}

func checkLocalFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("journal path is empty")
	}

	probe, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve journal path %q: %w", path, err)
	}

	fsType, err := detector(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"journal path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Point journal.path at local disk",
			path, fsType,
		)
	}

	return nil
}

// nearestExistingPath walks up from path until a component exists, so a
// journal in a not-yet-created data directory still gets its mount probed.
func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
