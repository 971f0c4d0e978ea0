package gcode

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"engraver/internal/config"
	"engraver/internal/services"
)

// Options control SVG conversion.
type Options struct {
	LaserPower  int
	FeedRate    int
	TravelRate  int
	UnitsPerMM  float64
	OriginX     float64
	OriginY     float64
	FillSpacing float64
}

// OptionsFromConfig maps the engraving config section onto conversion options.
func OptionsFromConfig(cfg config.Engraving) Options {
	return Options{
		LaserPower:  cfg.LaserPower,
		FeedRate:    cfg.FeedRate,
		TravelRate:  cfg.TravelRate,
		UnitsPerMM:  cfg.UnitsPerMM,
		OriginX:     cfg.OriginX,
		OriginY:     cfg.OriginY,
		FillSpacing: cfg.FillSpacing,
	}
}

type element struct {
	paths  []polyline
	filled bool
}

type frame struct {
	m    affine
	fill string
}

type document struct {
	elements   []element
	minX, minY float64
	height     float64
	hasHeight  bool
	seenRoot   bool
}

var skippedElements = map[string]bool{
	"defs": true, "clipPath": true, "mask": true, "symbol": true,
	"style": true, "title": true, "desc": true, "metadata": true, "text": true,
}

// FromSVG converts straight-edged SVG shapes into laser moves.
func FromSVG(r io.Reader, opts Options) (*Program, error) {
	if opts.UnitsPerMM <= 0 {
		opts.UnitsPerMM = 1
	}
	doc, err := readSVG(r)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "gcode", "svg", "convert svg", err)
	}
	if len(doc.elements) == 0 {
		return nil, services.Wrap(services.ErrValidation, "gcode", "svg", "svg contains no drawable shapes", nil)
	}
	if !doc.hasHeight {
		doc.height = doc.maxY() - doc.minY
	}
	return doc.emit(opts), nil
}

func readSVG(r io.Reader) (*document, error) {
	decoder := xml.NewDecoder(r)
	doc := &document{}
	stack := []frame{{m: identity, fill: "black"}}

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if skippedElements[t.Name.Local] {
				if err := decoder.Skip(); err != nil {
					return nil, fmt.Errorf("parse xml: %w", err)
				}
				continue
			}
			attrs := attrMap(t.Attr)
			parent := stack[len(stack)-1]
			local, err := parseTransform(attrs["transform"])
			if err != nil {
				return nil, fmt.Errorf("<%s>: %w", t.Name.Local, err)
			}
			current := frame{m: parent.m.mul(local), fill: parent.fill}
			if fill, ok := fillOf(attrs); ok {
				current.fill = fill
			}
			stack = append(stack, current)

			if t.Name.Local == "svg" && !doc.seenRoot {
				doc.seenRoot = true
				if err := doc.readRoot(attrs); err != nil {
					return nil, err
				}
				continue
			}
			paths, closedShape, err := shapePaths(t.Name.Local, attrs)
			if err != nil {
				return nil, fmt.Errorf("<%s>: %w", t.Name.Local, err)
			}
			if len(paths) == 0 {
				continue
			}
			for i := range paths {
				for j, p := range paths[i].points {
					paths[i].points[j] = current.m.apply(p)
				}
			}
			doc.elements = append(doc.elements, element{
				paths:  paths,
				filled: closedShape && current.fill != "none",
			})
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return doc, nil
}

func (d *document) readRoot(attrs map[string]string) error {
	if vb := strings.TrimSpace(attrs["viewBox"]); vb != "" {
		fields := strings.FieldsFunc(vb, func(r rune) bool { return r == ' ' || r == ',' })
		if len(fields) != 4 {
			return fmt.Errorf("viewBox must have four values, got %q", vb)
		}
		values := make([]float64, 4)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("invalid viewBox value %q", f)
			}
			values[i] = v
		}
		d.minX, d.minY, d.height = values[0], values[1], values[3]
		d.hasHeight = true
		return nil
	}
	if h, ok := parseLength(attrs["height"]); ok {
		d.height = h
		d.hasHeight = true
	}
	return nil
}

func (d *document) maxY() float64 {
	maxY := math.Inf(-1)
	for _, el := range d.elements {
		for _, path := range el.paths {
			for _, p := range path.points {
				maxY = math.Max(maxY, p.y)
			}
		}
	}
	return maxY
}

// toMachine maps SVG user units (origin top-left, y down) to millimetres
// with the origin bottom-left.
func (d *document) toMachine(p point, opts Options) point {
	return point{
		x: (p.x-d.minX)/opts.UnitsPerMM + opts.OriginX,
		y: (d.height-(p.y-d.minY))/opts.UnitsPerMM + opts.OriginY,
	}
}

func (d *document) emit(opts Options) *Program {
	e := emitter{opts: opts}
	e.add("G21", "G90", fmt.Sprintf("M4 S%d", opts.LaserPower))

	for _, el := range d.elements {
		var closed []polyline
		for _, path := range el.paths {
			pts := make([]point, len(path.points))
			for i, p := range path.points {
				pts[i] = d.toMachine(p, opts)
			}
			e.travel(pts[0])
			for _, p := range pts[1:] {
				e.burn(p)
			}
			if el.filled && path.closed {
				closed = append(closed, polyline{points: pts, closed: true})
			}
		}
		for _, seg := range hatch(closed, opts.FillSpacing) {
			e.travel(seg[0])
			e.burn(seg[1])
		}
	}

	e.add("M5")
	e.travel(point{opts.OriginX, opts.OriginY})
	return &Program{Lines: e.lines, Source: "svg", Estimate: e.estimate()}
}

type emitter struct {
	opts     Options
	lines    []string
	pos      point
	feedSet  bool
	moved    bool
	burnMM   float64
	travelMM float64
}

func (e *emitter) add(lines ...string) {
	e.lines = append(e.lines, lines...)
}

func (e *emitter) travel(p point) {
	if e.moved && p == e.pos {
		return
	}
	e.travelMM += distance(e.pos, p)
	e.pos = p
	e.moved = true
	e.add(fmt.Sprintf("G0 X%s Y%s", formatCoord(p.x), formatCoord(p.y)))
}

func (e *emitter) burn(p point) {
	e.burnMM += distance(e.pos, p)
	e.pos = p
	e.moved = true
	line := fmt.Sprintf("G1 X%s Y%s", formatCoord(p.x), formatCoord(p.y))
	if !e.feedSet {
		line += fmt.Sprintf(" F%d", e.opts.FeedRate)
		e.feedSet = true
	}
	e.add(line)
}

func (e *emitter) estimate() time.Duration {
	var minutes float64
	if e.opts.FeedRate > 0 {
		minutes += e.burnMM / float64(e.opts.FeedRate)
	}
	if e.opts.TravelRate > 0 {
		minutes += e.travelMM / float64(e.opts.TravelRate)
	}
	return time.Duration(minutes * float64(time.Minute))
}

func shapePaths(name string, attrs map[string]string) ([]polyline, bool, error) {
	switch name {
	case "rect":
		x, y := num(attrs["x"]), num(attrs["y"])
		w, h := num(attrs["width"]), num(attrs["height"])
		if w <= 0 || h <= 0 {
			return nil, false, nil
		}
		return []polyline{{
			points: []point{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}, {x, y}},
			closed: true,
		}}, true, nil
	case "line":
		return []polyline{{points: []point{
			{num(attrs["x1"]), num(attrs["y1"])},
			{num(attrs["x2"]), num(attrs["y2"])},
		}}}, false, nil
	case "polygon", "polyline":
		pts, err := parsePoints(attrs["points"])
		if err != nil || len(pts) < 2 {
			return nil, false, err
		}
		if name == "polygon" {
			pts = append(pts, pts[0])
			return []polyline{{points: pts, closed: true}}, true, nil
		}
		return []polyline{{points: pts}}, false, nil
	case "path":
		paths, err := parsePath(attrs["d"])
		if err != nil {
			return nil, false, err
		}
		closed := false
		for _, p := range paths {
			closed = closed || p.closed
		}
		return paths, closed, nil
	default:
		return nil, false, nil
	}
}

func attrMap(attrs []xml.Attr) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[a.Name.Local] = a.Value
	}
	return out
}

// fillOf reads fill from the attribute or an inline style; style wins.
func fillOf(attrs map[string]string) (string, bool) {
	for _, decl := range strings.Split(attrs["style"], ";") {
		key, value, ok := strings.Cut(decl, ":")
		if ok && strings.TrimSpace(key) == "fill" {
			return strings.TrimSpace(value), true
		}
	}
	if fill, ok := attrs["fill"]; ok {
		return strings.TrimSpace(fill), true
	}
	return "", false
}

func num(raw string) float64 {
	v, _ := parseLength(raw)
	return v
}

// parseLength reads a number, ignoring a trailing unit such as "mm" or "px".
func parseLength(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	end := len(raw)
	for end > 0 && (raw[end-1] == '%' || (raw[end-1] >= 'a' && raw[end-1] <= 'z')) {
		end--
	}
	v, err := strconv.ParseFloat(raw[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var transformPattern = regexp.MustCompile(`([a-zA-Z]+)\s*\(([^)]*)\)`)

func parseTransform(raw string) (affine, error) {
	m := identity
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	for _, match := range transformPattern.FindAllStringSubmatch(raw, -1) {
		args, err := parseNumbers(match[2])
		if err != nil {
			return identity, err
		}
		var t affine
		switch match[1] {
		case "translate":
			if len(args) == 1 {
				args = append(args, 0)
			}
			if len(args) != 2 {
				return identity, fmt.Errorf("translate takes 1 or 2 values")
			}
			t = translate(args[0], args[1])
		case "scale":
			if len(args) == 1 {
				args = append(args, args[0])
			}
			if len(args) != 2 {
				return identity, fmt.Errorf("scale takes 1 or 2 values")
			}
			t = scale(args[0], args[1])
		case "rotate":
			switch len(args) {
			case 1:
				t = rotate(args[0])
			case 3:
				t = translate(args[1], args[2]).mul(rotate(args[0])).mul(translate(-args[1], -args[2]))
			default:
				return identity, fmt.Errorf("rotate takes 1 or 3 values")
			}
		case "matrix":
			if len(args) != 6 {
				return identity, fmt.Errorf("matrix takes 6 values")
			}
			t = affine{args[0], args[1], args[2], args[3], args[4], args[5]}
		default:
			return identity, fmt.Errorf("unsupported transform %q", match[1])
		}
		m = m.mul(t)
	}
	return m, nil
}

func parseNumbers(raw string) ([]float64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}
