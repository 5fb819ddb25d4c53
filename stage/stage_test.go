package stage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blakesmith/ar"
)

// TestHelperProcess stands in for the extraction tool. It mimics dpkg-deb -x
// by dropping a marker file into the destination directory.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("STAGE_HELPER_MODE") == "fail" {
		os.Exit(2)
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	// args: -x <deb> <dest>
	if len(args) == 3 {
		os.WriteFile(filepath.Join(args[2], "extracted.txt"), []byte(args[1]), 0644)
	}
	os.Exit(0)
}

// withFakeTool reroutes commandContext to the helper process and records the
// arguments of every invocation.
func withFakeTool(t *testing.T, mode string) *[][]string {
	t.Helper()
	calls := &[][]string{}
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*calls = append(*calls, append([]string(nil), args...))
		helperArgs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], helperArgs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "STAGE_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testExtractor uses the test binary itself as the tool so the LookPath
// preflight passes.
func testExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{Tool: os.Args[0], Logger: logger}
}

func writeDummyDeb(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("not really a deb"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRunExtractsIntoStagedTree(t *testing.T) {
	calls := withFakeTool(t, "success")
	workDir := t.TempDir()
	writeDummyDeb(t, filepath.Join(workDir, "foo_1.0_arm64.deb"))

	e := testExtractor(discardLogger())
	res, err := e.Run(context.Background(), []string{"foo_1.0_arm64.deb"}, workDir, "arm64")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Extracted) != 1 {
		t.Fatalf("expected 1 extracted, got %+v", res)
	}

	marker := filepath.Join(workDir, DataDir, "foo", "arm64", "extracted.txt")
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("expected marker file in staged tree: %v", err)
	}

	if len(*calls) != 1 {
		t.Fatalf("expected 1 tool invocation, got %d", len(*calls))
	}
	args := (*calls)[0]
	if len(args) != 3 || args[0] != "-x" {
		t.Errorf("unexpected tool arguments: %v", args)
	}
}

func TestRunSkipsMissingReference(t *testing.T) {
	withFakeTool(t, "success")
	workDir := t.TempDir()
	writeDummyDeb(t, filepath.Join(workDir, "present_1.0_arm64.deb"))

	e := testExtractor(discardLogger())
	res, err := e.Run(context.Background(), []string{"present_1.0_arm64.deb", "absent_1.0_arm64.deb"}, workDir, "arm64")
	if err != nil {
		t.Fatalf("Run should succeed when at least one archive extracts: %v", err)
	}
	if len(res.Extracted) != 1 || len(res.Missing) != 1 {
		t.Errorf("expected 1 extracted and 1 missing, got %+v", res)
	}
}

func TestRunFailsWhenAllMissing(t *testing.T) {
	withFakeTool(t, "success")
	workDir := t.TempDir()

	e := testExtractor(discardLogger())
	res, err := e.Run(context.Background(), []string{"a_1.0_arm64.deb", "b_1.0_arm64.deb"}, workDir, "arm64")
	if err == nil {
		t.Fatal("expected error when nothing was extracted")
	}
	if len(res.Missing) != 2 {
		t.Errorf("expected 2 missing, got %+v", res)
	}
}

func TestRunToolFailureIsPerArchive(t *testing.T) {
	withFakeTool(t, "fail")
	workDir := t.TempDir()
	writeDummyDeb(t, filepath.Join(workDir, "a_1.0_arm64.deb"))
	writeDummyDeb(t, filepath.Join(workDir, "b_1.0_arm64.deb"))

	e := testExtractor(discardLogger())
	res, err := e.Run(context.Background(), []string{"a_1.0_arm64.deb", "b_1.0_arm64.deb"}, workDir, "arm64")
	if err == nil {
		t.Fatal("expected error when every extraction fails")
	}
	// Both archives must have been attempted before the aggregate failure.
	if len(res.Failed) != 2 {
		t.Errorf("expected 2 failed, got %+v", res)
	}
}

func TestRunToolAbsentIsFatal(t *testing.T) {
	workDir := t.TempDir()
	writeDummyDeb(t, filepath.Join(workDir, "a_1.0_arm64.deb"))

	e := &Extractor{Tool: "definitely-not-a-real-extraction-tool", Logger: discardLogger()}
	if _, err := e.Run(context.Background(), []string{"a_1.0_arm64.deb"}, workDir, "arm64"); err == nil {
		t.Fatal("expected error when the tool is absent")
	}
}

func TestRunResolvesAbsoluteReference(t *testing.T) {
	withFakeTool(t, "success")
	workDir := t.TempDir()
	elsewhere := t.TempDir()
	debPath := filepath.Join(elsewhere, "ext_1.0_arm64.deb")
	writeDummyDeb(t, debPath)

	e := testExtractor(discardLogger())
	res, err := e.Run(context.Background(), []string{debPath}, workDir, "arm64")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Extracted) != 1 {
		t.Fatalf("expected 1 extracted, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(workDir, DataDir, "ext", "arm64", "extracted.txt")); err != nil {
		t.Errorf("staged tree should live under the working directory: %v", err)
	}
}

// writeMockDeb writes a minimal but well-formed .deb carrying the provided
// control file content.
func writeMockDeb(t *testing.T, path, control string) {
	t.Helper()
	var buf bytes.Buffer
	arW := ar.NewWriter(&buf)
	arW.WriteGlobalHeader()

	write := func(name string, body []byte) {
		header := &ar.Header{Name: name, Size: int64(len(body)), Mode: 0644, ModTime: time.Now()}
		if err := arW.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		arW.Write(body)
	}

	write("debian-binary", []byte("2.0\n"))

	var cBuf bytes.Buffer
	gw := gzip.NewWriter(&cBuf)
	tw := tar.NewWriter(gw)
	tw.WriteHeader(&tar.Header{Name: "control", Mode: 0644, Size: int64(len(control))})
	tw.Write([]byte(control))
	tw.Close()
	gw.Close()
	write("control.tar.gz", cBuf.Bytes())

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRunWarnsOnArchitectureMismatch(t *testing.T) {
	withFakeTool(t, "success")
	workDir := t.TempDir()
	writeMockDeb(t, filepath.Join(workDir, "foo_1.0_amd64.deb"), "Package: foo\nVersion: 1.0\nArchitecture: amd64\n")

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e := testExtractor(logger)
	if _, err := e.Run(context.Background(), []string{"foo_1.0_amd64.deb"}, workDir, "arm64"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(buf.String(), "architecture differs") {
		t.Errorf("expected architecture mismatch warning, got: %s", buf.String())
	}
}

func TestRunArchAllNeverWarns(t *testing.T) {
	withFakeTool(t, "success")
	workDir := t.TempDir()
	writeMockDeb(t, filepath.Join(workDir, "docs_1.0_all.deb"), "Package: docs\nVersion: 1.0\nArchitecture: all\n")

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	e := testExtractor(logger)
	if _, err := e.Run(context.Background(), []string{"docs_1.0_all.deb"}, workDir, "arm64"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Contains(buf.String(), "architecture differs") {
		t.Errorf("arch-independent package should not warn, got: %s", buf.String())
	}
}
