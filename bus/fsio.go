// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"os"
)

// appendLine appends one encoded line to path as a single write, opening and
// closing the file around it. Opening per append matters on a shared bus:
// another process may replace the file by rename at any time, and a held-open
// descriptor would keep appending to the unlinked inode.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	_, werr := f.Write(line)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// atomicReplace writes data to a process-unique temp file next to path and
// renames it into place. The pid suffix keeps concurrent writers from
// trampling each other's temp file; the rename itself stays atomic.
func atomicReplace(path string, data []byte) error {
	tempPath := fmt.Sprintf("%s.%d%s", path, os.Getpid(), TempExtension)
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// readFileIfExists returns the file contents, or nil when the file does not
// exist yet.
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// fileSize returns the size of path; a missing file counts as empty.
func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
