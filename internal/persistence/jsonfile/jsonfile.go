// Package jsonfile loads and atomically saves single JSON documents.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultMaxBytes is the soft ceiling applied when Save is called with max <= 0.
const DefaultMaxBytes = 64 << 20

var ErrTooLarge = errors.New("jsonfile: document exceeds size ceiling")

// Load decodes the document at path into v. A missing file is not an error:
// found is false and v is left untouched.
func Load(path string, v any) (found bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Save writes data to path through a temp file in the same directory and a
// rename. Documents larger than max are rejected with ErrTooLarge and the
// existing file is left as is.
func Save(path string, data []byte, max int64) error {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	if int64(len(data)) > max {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, filepath.Base(path), len(data), max)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}
	return nil
}
