// Package tarball turns the staged package tree into the final compressed
// archive and computes its destination.
package tarball

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/etnz/changes-tar/changes"
	"github.com/etnz/changes-tar/stage"
)

// Extension is the suffix of the generated archive.
const Extension = ".tar.gz"

// Name derives the archive filename from the manifest basename: the manifest
// suffix is replaced by Extension, or Extension is appended when the basename
// does not carry the suffix.
func Name(changesBase string) string {
	if strings.HasSuffix(changesBase, changes.Suffix) {
		return strings.TrimSuffix(changesBase, changes.Suffix) + Extension
	}
	return changesBase + Extension
}

// DestDir computes the directory receiving the archive. An empty outputDir
// falls back to workDir; a distro label nests the result under
// prebuilt_<distro>.
func DestDir(outputDir, workDir, distro string) string {
	base := outputDir
	if base == "" {
		base = workDir
	}
	if distro != "" {
		return filepath.Join(base, "prebuilt_"+distro)
	}
	return base
}

// Create packs the staged tree under workDir into a gzip-compressed tarball at
// destPath, with the stage.DataDir directory as the archive's top-level entry.
// Missing destination directories are created first. It returns destPath.
func Create(workDir, destPath string) (string, error) {
	dataRoot := filepath.Join(workDir, stage.DataDir)
	info, err := os.Stat(dataRoot)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("missing data directory to archive: %s", dataRoot)
	}

	if dir := filepath.Dir(destPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("creating destination %s: %w", dir, err)
		}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("creating archive %s: %w", destPath, err)
	}
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)

	walkErr := filepath.WalkDir(dataRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if fi.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		header.Name = name
		if fi.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing header for %s: %w", name, err)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return "", fmt.Errorf("archiving %s: %w", dataRoot, walkErr)
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gzw.Close(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return destPath, nil
}
