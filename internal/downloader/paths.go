package downloader

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/italolelis/preview_downloader/internal/transfer"
)

// LocalDestinationPath maps a source URL to its file inside dir: the last
// segment of the URL path. Two sources sharing a final segment share a file.
func LocalDestinationPath(dir, sourceID string) (string, error) {
	u, err := url.Parse(sourceID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", transfer.ErrInvalidSource, sourceID, err)
	}

	name := path.Base(u.Path)
	switch name {
	case ".", "/", "..", "":
		return "", fmt.Errorf("%w: %s has no file name", transfer.ErrInvalidSource, sourceID)
	}

	return filepath.Join(dir, name), nil
}

// validateSource rejects identifiers the network layer cannot fetch.
func validateSource(sourceID string) error {
	u, err := url.Parse(sourceID)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", transfer.ErrInvalidSource, sourceID, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s is not an http(s) URL", transfer.ErrInvalidSource, sourceID)
	}

	return nil
}

// persistFile moves received data to its destination, copying when a rename
// crosses filesystems.
func persistFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return &transfer.PersistenceError{Path: dst, Reason: "create directory", Err: err}
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)

		return &transfer.PersistenceError{Path: dst, Reason: "copy data", Err: err}
	}

	// The destination is complete at this point; a leftover source file is
	// only wasted space in the temporary directory.
	_ = os.Remove(src)

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := out.ReadFrom(in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
