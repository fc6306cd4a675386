package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	filePerm os.FileMode = 0666
	dirPerm  os.FileMode = 0700
)

const tmpMarker = ".tmp"

// writeFileAtomic writes data to a uniquely named temp file in dir and
// renames it into place, so a snapshot file is either fully written or
// absent and an interrupted write can never be observed half applied
func writeFileAtomic(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, fmt.Sprintf("%s%s%s", name, tmpMarker, generateID(10)))
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to move temp file in place")
	}

	return nil
}
