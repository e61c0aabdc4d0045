package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ResolvePath places rel under base unless rel is already absolute.
// filepath.Join alone would glue "/b" onto base. Empty stays empty so an
// unset option remains unset.
func ResolvePath(base, rel string) string {
	switch {
	case rel == "":
		return ""
	case filepath.IsAbs(rel):
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// WriteJSONFile writes v as indented JSON. The file is replaced through a
// rename so a reader (or the config watcher) never sees half a document.
func WriteJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
