package changes

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/etnz/changes-tar/deb"
)

// Suffix is the extension of Debian upload manifests.
const Suffix = ".changes"

// debToken matches whitespace-delimited tokens ending in the package suffix.
var debToken = regexp.MustCompile(`(?:^|\s)(\S+\.deb)\b`)

// File is a parsed .changes manifest.
type File struct {
	// Path is the absolute location of the manifest.
	Path string
	// Dir is the directory containing the manifest. Relative package
	// references are resolved against it.
	Dir string

	// Source, Version, Distribution and Architecture mirror the manifest's
	// header fields when present. They are informational only.
	Source       string
	Version      string
	Distribution string
	Architecture string

	// Debs lists the referenced package archives in first-occurrence order,
	// without duplicates.
	Debs []string
}

// Locate resolves a user-supplied path to the single manifest to process.
//
// A path naming an existing file with the manifest suffix is returned as-is
// (made absolute). A path naming a directory selects the direct child with the
// most recent modification time; when several candidates share that time the
// lexicographically last name wins, so the choice stays deterministic.
// Anything else is an error.
func Locate(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err == nil && !info.IsDir() && strings.HasSuffix(abs, Suffix) {
		return abs, nil
	}

	if err == nil && info.IsDir() {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return "", fmt.Errorf("reading directory %s: %w", abs, err)
		}
		var best string
		var bestTime time.Time
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
				continue
			}
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			switch {
			case best == "",
				fi.ModTime().After(bestTime),
				fi.ModTime().Equal(bestTime) && entry.Name() > best:
				best = entry.Name()
				bestTime = fi.ModTime()
			}
		}
		if best == "" {
			return "", fmt.Errorf("no %s files found in directory: %s", Suffix, abs)
		}
		return filepath.Join(abs, best), nil
	}

	return "", fmt.Errorf("invalid changes path %s: provide a %s file or a directory containing %s files", abs, Suffix, Suffix)
}

// Parse reads the manifest at path and collects the referenced package
// archives. Undecodable bytes are substituted, not rejected. A manifest
// referencing zero packages is an error.
func Parse(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading changes file %s: %w", path, err)
	}
	text := strings.ToValidUTF8(string(data), "�")

	f := &File{
		Path: path,
		Dir:  filepath.Dir(path),
		Debs: collectDebs(text),
	}
	parseHeader(text, f)

	if len(f.Debs) == 0 {
		return nil, fmt.Errorf("no %s files referenced in changes file: %s", deb.Suffix, path)
	}
	return f, nil
}

// collectDebs extracts package references from the manifest text. The token
// pattern is tried first; when it yields nothing, each line is re-tokenized on
// whitespace, which tolerates manifests the pattern's assumptions don't fit.
// The result preserves first-occurrence order and holds no duplicates.
func collectDebs(text string) []string {
	var refs []string
	for _, m := range debToken.FindAllStringSubmatch(text, -1) {
		// The regexp classes are ASCII-only, so a match can carry
		// Unicode whitespace at its edges. Trim with the same notion
		// of whitespace the line-split pass uses.
		refs = append(refs, strings.TrimFunc(m[1], unicode.IsSpace))
	}

	if len(refs) == 0 {
		for _, line := range strings.Split(text, "\n") {
			for _, tok := range strings.Fields(line) {
				if strings.HasSuffix(tok, deb.Suffix) {
					refs = append(refs, tok)
				}
			}
		}
	}

	seen := make(map[string]bool, len(refs))
	var uniq []string
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			uniq = append(uniq, r)
		}
	}
	return uniq
}

// parseHeader captures the identification fields of the manifest, which is
// Debian control format. First occurrence wins; missing fields stay empty.
func parseHeader(text string, f *File) {
	field := func(dst *string, name string, line string) {
		if *dst == "" && strings.HasPrefix(line, name+": ") {
			*dst = strings.TrimSpace(strings.TrimPrefix(line, name+": "))
		}
	}
	for _, line := range strings.Split(text, "\n") {
		field(&f.Source, "Source", line)
		field(&f.Version, "Version", line)
		field(&f.Distribution, "Distribution", line)
		field(&f.Architecture, "Architecture", line)
	}
}
