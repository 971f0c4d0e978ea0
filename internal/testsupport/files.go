package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// SampleProgram is a short G-code program used across tests.
var SampleProgram = []string{"G21", "G90", "G0 X0 Y0", "M4 S1000", "G1 X10 Y0 F1200", "M5"}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t testing.TB, path, content string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WriteGCode writes a G-code file with one command per line. With no lines
// SampleProgram is used.
func WriteGCode(t testing.TB, dir, name string, lines ...string) string {
	t.Helper()

	if len(lines) == 0 {
		lines = SampleProgram
	}
	return WriteFile(t, filepath.Join(dir, name), strings.Join(lines, "\n")+"\n")
}
