package deb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
)

// Control holds the identification fields of a binary package.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#binary-package-control-files-debian-control
type Control struct {
	// Package is the name of the package.
	Package string
	// Version is the version string, [epoch:]upstream_version[-debian_revision].
	Version string
	// Architecture is the hardware architecture the package is compiled for,
	// or "all" for architecture-independent packages.
	Architecture string
}

// ReadControl iterates through the AR archive structure of a .deb stream to
// locate and decompress the control.tar.gz (or control.tar) member, and parses
// the 'control' file found within.
func ReadControl(r io.Reader) (*Control, error) {
	arR := ar.NewReader(r)

	for {
		header, err := arR.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ar header: %w", err)
		}

		if !strings.HasPrefix(header.Name, "control.tar") {
			continue
		}

		var tr *tar.Reader
		if strings.HasSuffix(header.Name, ".gz") {
			gzr, err := gzip.NewReader(arR)
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", header.Name, err)
			}
			defer gzr.Close()
			tr = tar.NewReader(gzr)
		} else {
			tr = tar.NewReader(arR)
		}

		for {
			th, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("reading control tar header: %w", err)
			}
			if filepath.Base(th.Name) != string(FileControl) {
				continue
			}
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, fmt.Errorf("reading control: %w", err)
			}
			return parseControl(buf.String()), nil
		}
	}
	return nil, fmt.Errorf("control file not found")
}

// ReadControlFile opens a .deb on disk and reads its control fields.
func ReadControlFile(path string) (*Control, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadControl(f)
}

// parseControl extracts the identification fields from raw control file text.
func parseControl(content string) *Control {
	c := &Control{}
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, string(FieldPackage)+": "):
			c.Package = strings.TrimSpace(strings.TrimPrefix(line, string(FieldPackage)+": "))
		case strings.HasPrefix(line, string(FieldVersion)+": "):
			c.Version = strings.TrimSpace(strings.TrimPrefix(line, string(FieldVersion)+": "))
		case strings.HasPrefix(line, string(FieldArchitecture)+": "):
			c.Architecture = strings.TrimSpace(strings.TrimPrefix(line, string(FieldArchitecture)+": "))
		}
	}
	return c
}

// PackageName derives the package name from an archive filename: the segment
// before the first underscore for the standard <pkg>_<version>_<arch>.deb
// layout, or the filename stem when the name carries no underscore.
func PackageName(filename string) string {
	base := filepath.Base(filename)
	if i := strings.Index(base, "_"); i >= 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
