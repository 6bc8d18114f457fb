// Package utils contains file and goroutine helpers shared by the calibration packages.
package utils

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ResolveFile returns the path of the given file relative to the root of the codebase.
func ResolveFile(fn string) string {
	//nolint:dogsled
	_, thisFilePath, _, _ := runtime.Caller(0)
	thisDirPath, err := filepath.Abs(filepath.Dir(thisFilePath))
	if err != nil {
		panic(err)
	}
	return filepath.Join(thisDirPath, "..", fn)
}

// SafeJoinDir performs a filepath.Join of 'parent' and 'subdir' but returns an error
// if the resulting path points outside of 'parent'.
func SafeJoinDir(parent, subdir string) (string, error) {
	res := filepath.Join(parent, subdir)
	if !strings.HasPrefix(filepath.Clean(res), filepath.Clean(parent)+string(os.PathSeparator)) {
		return res, errors.Errorf("unsafe path join: '%s' with '%s'", parent, subdir)
	}
	return res, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into place, so a
// crash mid-write never leaves a partial file under the final name.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %q", path)
	}
	defer func() {
		if err != nil {
			utils.UncheckedError(os.Remove(tmp.Name()))
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		utils.UncheckedError(tmp.Close())
		return errors.Wrapf(err, "writing %q", tmp.Name())
	}
	if err = tmp.Sync(); err != nil {
		utils.UncheckedError(tmp.Close())
		return errors.Wrapf(err, "syncing %q", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
