// Command changes-tar locates a Debian .changes manifest, unpacks every binary
// package it references into a data/<pkg>/<arch>/ tree, and packs that tree as
// a compressed tarball for downstream distribution.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/etnz/changes-tar/changes"
	"github.com/etnz/changes-tar/logging"
	"github.com/etnz/changes-tar/stage"
	"github.com/etnz/changes-tar/tarball"
)

// Config is a business object holding the application's configuration.
type Config struct {
	// PathToChanges is the manifest file, or the directory searched for the
	// newest one.
	PathToChanges string
	// OutputDir is the base destination directory for the archive. Empty
	// means the manifest's own directory.
	OutputDir string
	// Arch is the architecture label used in the staged tree.
	Arch string
	// Distro, when set, nests the destination under prebuilt_<distro>/.
	Distro string
	// Tool is the external package-extraction command.
	Tool string
	// LogLevel and LogFormat configure the diagnostic sink.
	LogLevel  string
	LogFormat string
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}

	// Safety net: anything that slips through the per-stage error handling
	// still ends with a logged message and a nonzero exit.
	defer func() {
		if r := recover(); r != nil {
			logger.Log(context.Background(), logging.LevelCritical, "uncaught error", "error", r)
			os.Exit(1)
		}
	}()

	if err := run(cfg, logger); err != nil {
		logger.Log(context.Background(), logging.LevelCritical, err.Error())
		os.Exit(1)
	}
}

// run executes the pipeline: locate, parse, extract, archive.
func run(cfg *Config, logger *slog.Logger) error {
	changesPath, err := changes.Locate(cfg.PathToChanges)
	if err != nil {
		return err
	}

	// The working directory is where the .changes was generated, and where
	// the referenced packages are expected.
	workDir := filepath.Dir(changesPath)
	logger.Debug("using changes file", "path", changesPath)
	logger.Debug("working directory", "path", workDir)

	manifest, err := changes.Parse(changesPath)
	if err != nil {
		return err
	}
	if manifest.Source != "" {
		logger.Info("processing upload",
			"source", manifest.Source, "version", manifest.Version, "distribution", manifest.Distribution)
	}

	extractor := &stage.Extractor{Tool: cfg.Tool, Logger: logger}
	res, err := extractor.Run(context.Background(), manifest.Debs, workDir, cfg.Arch)
	if err != nil {
		return err
	}
	logger.Info("extraction complete",
		"extracted", len(res.Extracted), "missing", len(res.Missing), "failed", len(res.Failed))

	outputDir := cfg.OutputDir
	if outputDir != "" {
		if outputDir, err = filepath.Abs(outputDir); err != nil {
			return err
		}
	}
	destDir := tarball.DestDir(outputDir, workDir, cfg.Distro)
	destPath := filepath.Join(destDir, tarball.Name(filepath.Base(changesPath)))

	tarPath, err := tarball.Create(workDir, destPath)
	if err != nil {
		return fmt.Errorf("failed to create tarball: %w", err)
	}
	logger.Info("created tarball", "path", tarPath)

	sumPath, err := tarball.WriteChecksum(tarPath)
	if err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	logger.Debug("wrote checksum", "path", sumPath)

	if key := os.Getenv("GPG_PRIVATE_KEY"); key != "" {
		ascPath, err := tarball.SignChecksum(sumPath, key)
		if err != nil {
			return fmt.Errorf("failed to sign checksum: %w", err)
		}
		logger.Info("signed checksum", "path", ascPath)
	}

	return nil
}

// parseArgs reads the command line, merges it over the optional config file,
// and applies defaults.
func parseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("changes-tar", flag.ContinueOnError)
	confPath := fs.String("config", "", "Path to optional YAML config file")
	pathToChanges := fs.String("path-to-changes", "", "Path to the .changes file or a directory containing .changes files (default: current directory)")
	outputTar := fs.String("output-tar", "", "Base output directory for the tarball (default: the directory containing the .changes file)")
	arch := fs.String("arch", "", "Architecture subfolder under each package directory (default: arm64)")
	distro := fs.String("distro", "", "Target distro name (e.g., noble); places the tarball under <output-tar>/prebuilt_<distro>/")
	tool := fs.String("tool", "", "Package extraction command (default: dpkg-deb)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warning, error, critical (default: info)")
	logFormat := fs.String("log-format", "", "Log format: text or json (default: text)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := decodeConfig(*confPath)
	if err != nil {
		return nil, err
	}

	// Flags override the config file.
	override(&cfg.PathToChanges, *pathToChanges)
	override(&cfg.OutputDir, *outputTar)
	override(&cfg.Arch, *arch)
	override(&cfg.Distro, *distro)
	override(&cfg.Tool, *tool)
	override(&cfg.LogLevel, *logLevel)
	override(&cfg.LogFormat, *logFormat)

	if cfg.PathToChanges == "" {
		cfg.PathToChanges = "."
	}
	if cfg.Arch == "" {
		cfg.Arch = "arm64"
	}
	if cfg.Tool == "" {
		cfg.Tool = stage.DefaultTool
	}
	return cfg, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// decodeConfig reads the YAML configuration file. An empty path yields an
// empty configuration.
func decodeConfig(path string) (*Config, error) {
	// Internal DTOs for YAML deserialization
	type yamlOutput struct {
		Dir    string `yaml:"dir"`
		Distro string `yaml:"distro"`
	}
	type yamlLog struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	type yamlConfig struct {
		PathToChanges string     `yaml:"path_to_changes"`
		Arch          string     `yaml:"arch"`
		Tool          string     `yaml:"tool"`
		Output        yamlOutput `yaml:"output"`
		Log           yamlLog    `yaml:"log"`
	}

	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	var dto yamlConfig
	if err := yaml.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	// Map DTO to business object
	cfg.PathToChanges = dto.PathToChanges
	cfg.Arch = dto.Arch
	cfg.Tool = dto.Tool
	cfg.OutputDir = dto.Output.Dir
	cfg.Distro = dto.Output.Distro
	cfg.LogLevel = dto.Log.Level
	cfg.LogFormat = dto.Log.Format
	return cfg, nil
}
