package gcode

import (
	"fmt"
	"strconv"
	"strings"
)

type pathToken struct {
	cmd   byte
	value float64
}

// tokenizePath splits SVG path data into commands and numbers. Numbers may be
// separated by whitespace, commas, a sign, or a second decimal point.
func tokenizePath(d string) ([]pathToken, error) {
	var tokens []pathToken
	i := 0
	for i < len(d) {
		c := d[i]
		switch {
		case c == ' ' || c == ',' || c == '\t' || c == '\n' || c == '\r':
			i++
		case strings.IndexByte("MmLlHhVvZz", c) >= 0:
			tokens = append(tokens, pathToken{cmd: c})
			i++
		case strings.IndexByte("CcSsQqTtAa", c) >= 0:
			return nil, fmt.Errorf("unsupported path command %q", c)
		case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
			end := scanNumber(d, i)
			value, err := strconv.ParseFloat(d[i:end], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q in path", d[i:end])
			}
			tokens = append(tokens, pathToken{value: value})
			i = end
		default:
			return nil, fmt.Errorf("unexpected character %q in path", c)
		}
	}
	return tokens, nil
}

func scanNumber(d string, start int) int {
	i := start
	if d[i] == '-' || d[i] == '+' {
		i++
	}
	seenDot, seenExp := false, false
	for i < len(d) {
		c := d[i]
		switch {
		case c >= '0' && c <= '9':
		case c == '.' && !seenDot && !seenExp:
			seenDot = true
		case (c == 'e' || c == 'E') && !seenExp:
			seenExp = true
			if i+1 < len(d) && (d[i+1] == '-' || d[i+1] == '+') {
				i++
			}
		default:
			return i
		}
		i++
	}
	return i
}

// parsePath converts path data into polylines in user units. Only straight
// segments (M, L, H, V, Z) are supported.
func parsePath(d string) ([]polyline, error) {
	tokens, err := tokenizePath(d)
	if err != nil {
		return nil, err
	}

	var (
		paths   []polyline
		current *polyline
		pos     point
		start   point
		cmd     byte
	)
	finish := func() {
		if current != nil && len(current.points) > 1 {
			paths = append(paths, *current)
		}
		current = nil
	}
	lineTo := func(p point) {
		if current == nil {
			current = &polyline{points: []point{pos}}
			start = pos
		}
		current.points = append(current.points, p)
		pos = p
	}
	next := func(i *int) (float64, error) {
		if *i >= len(tokens) || tokens[*i].cmd != 0 {
			return 0, fmt.Errorf("path command %q is missing a coordinate", cmd)
		}
		v := tokens[*i].value
		*i++
		return v, nil
	}

	for i := 0; i < len(tokens); {
		if tokens[i].cmd != 0 {
			cmd = tokens[i].cmd
			i++
			if cmd == 'Z' || cmd == 'z' {
				if current != nil {
					current.points = append(current.points, start)
					current.closed = true
					pos = start
				}
				finish()
				continue
			}
		} else if cmd == 0 {
			return nil, fmt.Errorf("path data must start with a command")
		}

		relative := cmd >= 'a'
		switch cmd {
		case 'M', 'm':
			x, err := next(&i)
			if err != nil {
				return nil, err
			}
			y, err := next(&i)
			if err != nil {
				return nil, err
			}
			finish()
			if relative {
				x, y = pos.x+x, pos.y+y
			}
			pos = point{x, y}
			start = pos
			// Further pairs after a moveto are implicit linetos.
			if relative {
				cmd = 'l'
			} else {
				cmd = 'L'
			}
		case 'L', 'l':
			x, err := next(&i)
			if err != nil {
				return nil, err
			}
			y, err := next(&i)
			if err != nil {
				return nil, err
			}
			if relative {
				x, y = pos.x+x, pos.y+y
			}
			lineTo(point{x, y})
		case 'H', 'h':
			x, err := next(&i)
			if err != nil {
				return nil, err
			}
			if relative {
				x += pos.x
			}
			lineTo(point{x, pos.y})
		case 'V', 'v':
			y, err := next(&i)
			if err != nil {
				return nil, err
			}
			if relative {
				y += pos.y
			}
			lineTo(point{pos.x, y})
		default:
			return nil, fmt.Errorf("unexpected coordinate after path command %q", cmd)
		}
	}
	finish()
	return paths, nil
}

// parsePoints reads a polygon or polyline points attribute.
func parsePoints(raw string) ([]point, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("points attribute has an odd number of values")
	}
	pts := make([]point, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid point %q", fields[i])
		}
		y, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid point %q", fields[i+1])
		}
		pts = append(pts, point{x, y})
	}
	return pts, nil
}
