package gcode

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"engraver/internal/services"
)

// MaxLineLength bounds a single command. GRBL's receive buffer is 128 bytes.
const MaxLineLength = 80

// Program is an ordered list of commands ready to stream.
type Program struct {
	Lines  []string
	Source string
	// Estimate is the expected machine time, zero when unknown.
	Estimate time.Duration
}

// Len returns the number of commands.
func (p *Program) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Lines)
}

// Parse reads G-code, dropping comments, blank lines and % tape markers.
func Parse(r io.Reader) (*Program, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var lines []string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := normalizeLine(scanner.Text())
		if line == "" || line == "%" {
			continue
		}
		if len(line) > MaxLineLength {
			return nil, services.Wrap(
				services.ErrValidation,
				"gcode",
				"parse",
				fmt.Sprintf("line %d is %d bytes, limit is %d", lineNo, len(line), MaxLineLength),
				nil,
			)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "gcode", "parse", "read program", err)
	}
	if len(lines) == 0 {
		return nil, services.Wrap(services.ErrValidation, "gcode", "parse", "program has no commands", nil)
	}
	return &Program{Lines: lines, Source: "gcode"}, nil
}

// normalizeLine strips ';' and parenthesised comments and uppercases the rest.
func normalizeLine(raw string) string {
	if idx := strings.IndexByte(raw, ';'); idx >= 0 {
		raw = raw[:idx]
	}
	var b strings.Builder
	depth := 0
	for _, r := range raw {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(strings.Join(strings.Fields(b.String()), " "))
}

// formatCoord renders a millimetre value with at most three decimals.
func formatCoord(v float64) string {
	v = math.Round(v*1000) / 1000
	if v == 0 {
		return "0"
	}
	s := fmt.Sprintf("%.3f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
