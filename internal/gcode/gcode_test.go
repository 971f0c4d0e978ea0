package gcode

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"engraver/internal/queue"
	"engraver/internal/services"
	"engraver/internal/testsupport"
)

func TestParseStripsCommentsAndMarkers(t *testing.T) {
	src := `%
; header comment
g21 (metric)
G90   ; absolute

G0 X0 Y0 (travel) F3000
%
`
	prog, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := []string{"G21", "G90", "G0 X0 Y0 F3000"}
	if strings.Join(prog.Lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines: %q", prog.Lines)
	}
	if prog.Source != "gcode" || prog.Len() != 3 {
		t.Fatalf("unexpected program metadata: %+v", prog)
	}
}

func TestParseRejectsLongLines(t *testing.T) {
	long := "G1 X" + strings.Repeat("1", MaxLineLength)
	_, err := Parse(strings.NewReader("G21\n" + long + "\n"))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line number in error, got %v", err)
	}
}

func TestParseRejectsEmptyProgram(t *testing.T) {
	_, err := Parse(strings.NewReader("; only comments\n(nothing)\n"))
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestFromSVGRectFlipsYAxis(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 20 20">
  <rect x="2" y="3" width="4" height="5" fill="none"/>
</svg>`
	prog, err := FromSVG(strings.NewReader(svg), Options{LaserPower: 800, FeedRate: 1000, TravelRate: 3000, UnitsPerMM: 1})
	if err != nil {
		t.Fatalf("FromSVG failed: %v", err)
	}
	want := []string{
		"G21",
		"G90",
		"M4 S800",
		"G0 X2 Y17",
		"G1 X6 Y17 F1000",
		"G1 X6 Y12",
		"G1 X2 Y12",
		"G1 X2 Y17",
		"M5",
		"G0 X0 Y0",
	}
	if strings.Join(prog.Lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected program:\n%s", strings.Join(prog.Lines, "\n"))
	}
	if prog.Estimate <= 0 {
		t.Fatalf("expected positive estimate, got %v", prog.Estimate)
	}
}

func TestFromSVGFilledRectIsHatched(t *testing.T) {
	svg := `<svg viewBox="0 0 10 10"><rect width="2" height="1"/></svg>`
	prog, err := FromSVG(strings.NewReader(svg), Options{LaserPower: 1, FeedRate: 100, UnitsPerMM: 1, FillSpacing: 0.25})
	if err != nil {
		t.Fatalf("FromSVG failed: %v", err)
	}
	hatches := 0
	for _, line := range prog.Lines {
		if strings.HasPrefix(line, "G1") && strings.Contains(line, "Y9.") {
			hatches++
		}
	}
	// Hatch rows land at y=9.125, 9.375, 9.625 and 9.875.
	if hatches != 4 {
		t.Fatalf("expected 4 hatch burns, got %d:\n%s", hatches, strings.Join(prog.Lines, "\n"))
	}
}

func TestFromSVGPathAndTransforms(t *testing.T) {
	svg := `<svg viewBox="0 0 100 100">
  <defs><rect width="50" height="50"/></defs>
  <g transform="translate(10,0) scale(2)">
    <path d="M0 0h5v5H0z" style="fill:none"/>
    <line x1="0" y1="0" x2="0" y2="10"/>
  </g>
</svg>`
	prog, err := FromSVG(strings.NewReader(svg), Options{LaserPower: 1, FeedRate: 100, UnitsPerMM: 2})
	if err != nil {
		t.Fatalf("FromSVG failed: %v", err)
	}
	joined := strings.Join(prog.Lines, "\n")
	for _, want := range []string{"G0 X5 Y50", "G1 X10 Y50 F100", "G1 X10 Y45", "G1 X5 Y40"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in program:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "X25") {
		t.Fatalf("defs content must not be engraved:\n%s", joined)
	}
}

func TestFromSVGRejectsCurves(t *testing.T) {
	svg := `<svg viewBox="0 0 10 10"><path d="M0 0 C 1 1 2 2 3 3"/></svg>`
	_, err := FromSVG(strings.NewReader(svg), Options{UnitsPerMM: 1})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFromSVGRejectsEmptyDocument(t *testing.T) {
	_, err := FromSVG(strings.NewReader(`<svg viewBox="0 0 10 10"></svg>`), Options{UnitsPerMM: 1})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParsePathRelativeCommands(t *testing.T) {
	paths, err := parsePath("m1,1 l2-1 1.5.5 z M10 10 L12 10")
	if err != nil {
		t.Fatalf("parsePath failed: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 subpaths, got %d", len(paths))
	}
	first := paths[0]
	want := []point{{1, 1}, {3, 0}, {4.5, 0.5}, {1, 1}}
	if !first.closed || len(first.points) != len(want) {
		t.Fatalf("unexpected first subpath: %+v", first)
	}
	for i, p := range want {
		if first.points[i] != p {
			t.Fatalf("point %d = %+v, want %+v", i, first.points[i], p)
		}
	}
	if paths[1].closed {
		t.Fatal("second subpath should be open")
	}
}

func TestLoadDispatchesByKind(t *testing.T) {
	dir := t.TempDir()
	gcodePath := testsupport.WriteGCode(t, dir, "job.gcode")
	prog, err := Load(gcodePath, queue.ArtifactGCode, Options{})
	if err != nil {
		t.Fatalf("Load gcode failed: %v", err)
	}
	if prog.Len() != len(testsupport.SampleProgram) {
		t.Fatalf("expected %d lines, got %d", len(testsupport.SampleProgram), prog.Len())
	}

	svgPath := testsupport.WriteFile(t, filepath.Join(dir, "job.svg"), `<svg viewBox="0 0 4 4"><line x1="0" y1="0" x2="4" y2="4"/></svg>`)
	prog, err = Load(svgPath, queue.ArtifactSVG, Options{LaserPower: 1, FeedRate: 100, UnitsPerMM: 1})
	if err != nil {
		t.Fatalf("Load svg failed: %v", err)
	}
	if prog.Source != "svg" {
		t.Fatalf("expected svg source, got %q", prog.Source)
	}

	if _, err := Load(filepath.Join(dir, "missing.gcode"), queue.ArtifactGCode, Options{}); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
