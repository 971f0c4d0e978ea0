// Package gcode turns engraving artifacts into GRBL-ready command lists.
//
// Parse cleans hand-written or CAM-exported G-code. FromSVG converts the
// vector shapes of an SVG label (typically a QR code made of rects or a
// single path) into laser moves: outlines for every shape plus hatch lines
// for filled, closed shapes.
package gcode
