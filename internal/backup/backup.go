// Package backup copies the repository store to and from a compressed
// archive. It knows nothing about the config model: the store is treated
// as an opaque directory tree.
package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Create archives the store directory into a zstd-compressed tarball. The
// archive is written to a temp file and renamed into place so a crashed
// backup never leaves a truncated archive behind.
func Create(storePath, archivePath string) error {
	info, err := os.Stat(storePath)
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store %s is not a directory", storePath)
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".gitfleet-backup-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := writeArchive(tmp, storePath); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, archivePath)
}

func writeArchive(w io.Writer, storePath string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(storePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(storePath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		linkTarget := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("failed to archive store: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

// Restore unpacks an archive created by Create into dest. Entries that
// would escape dest are rejected outright.
func Restore(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open compressor: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if err := restoreEntry(tr, hdr, dest); err != nil {
			return err
		}
	}
}

func restoreEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	rel := filepath.FromSlash(hdr.Name)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("archive entry %q escapes the destination", hdr.Name)
	}
	path := filepath.Join(dest, rel)

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(path, fs.FileMode(hdr.Mode)&fs.ModePerm)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Symlink(hdr.Linkname, path)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode)&fs.ModePerm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	default:
		// Hard links, devices and the like have no business in a
		// repository store.
		return fmt.Errorf("unsupported archive entry type %d for %q", hdr.Typeflag, hdr.Name)
	}
}
