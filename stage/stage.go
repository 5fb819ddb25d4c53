// Package stage populates the staged package tree by unpacking each referenced
// archive with the external extraction tool.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/etnz/changes-tar/deb"
)

var commandContext = exec.CommandContext

// DataDir is the name of the staged tree under the working directory.
const DataDir = "data"

// DefaultTool is the external command used to unpack package archives.
const DefaultTool = "dpkg-deb"

// Extractor unpacks package archives into DataDir/<pkg>/<arch>/ under the
// working directory.
type Extractor struct {
	// Tool is the extraction command. Empty means DefaultTool.
	Tool string
	// Logger receives per-archive diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Result reports the outcome of an extraction run, with references grouped by
// what happened to them.
type Result struct {
	Extracted []string
	Missing   []string
	Failed    []string
}

// Run processes refs in order against workDir. References missing on disk and
// per-archive tool failures are logged and skipped. It returns an error when
// the tool is absent from the host (nothing was attempted past that point) or
// when not a single archive was extracted.
func (e *Extractor) Run(ctx context.Context, refs []string, workDir, arch string) (*Result, error) {
	tool := e.Tool
	if tool == "" {
		tool = DefaultTool
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := exec.LookPath(tool); err != nil {
		return nil, fmt.Errorf("extraction tool %q not found on host: %w", tool, err)
	}

	dataRoot := filepath.Join(workDir, DataDir)
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dataRoot, err)
	}

	res := &Result{}
	for _, ref := range refs {
		debPath := ref
		if !filepath.IsAbs(debPath) {
			debPath = filepath.Join(workDir, ref)
		}
		if _, err := os.Stat(debPath); err != nil {
			logger.Warn("referenced package not found, skipping", "path", debPath)
			res.Missing = append(res.Missing, ref)
			continue
		}

		inspect(logger, debPath, arch)

		destDir := filepath.Join(dataRoot, deb.PackageName(debPath), arch)
		if err := os.MkdirAll(destDir, 0755); err != nil {
			logger.Error("creating destination failed", "dir", destDir, "error", err)
			res.Failed = append(res.Failed, ref)
			continue
		}

		logger.Debug("extracting package", "path", debPath, "dest", destDir)
		cmd := commandContext(ctx, tool, "-x", debPath, destDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				return res, fmt.Errorf("extraction tool %q not found on host: %w", tool, err)
			}
			logger.Error("extraction failed", "path", debPath, "output", strings.TrimSpace(string(out)), "error", err)
			res.Failed = append(res.Failed, ref)
			continue
		}
		res.Extracted = append(res.Extracted, ref)
	}

	if len(res.Extracted) == 0 {
		return res, fmt.Errorf("no referenced packages were successfully extracted")
	}
	return res, nil
}

// inspect reads the control member of the archive for diagnostics. Failures
// here never affect the run: unpacking is the extraction tool's job.
func inspect(logger *slog.Logger, debPath, arch string) {
	ctrl, err := deb.ReadControlFile(debPath)
	if err != nil {
		logger.Debug("could not read control member", "path", debPath, "error", err)
		return
	}
	logger.Debug("package identified", "package", ctrl.Package, "version", ctrl.Version, "architecture", ctrl.Architecture)
	if ctrl.Architecture != "" && ctrl.Architecture != arch && ctrl.Architecture != "all" {
		logger.Warn("package architecture differs from target",
			"package", ctrl.Package, "architecture", ctrl.Architecture, "target", arch)
	}
}
