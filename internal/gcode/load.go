package gcode

import (
	"errors"
	"fmt"
	"os"

	"engraver/internal/queue"
	"engraver/internal/services"
)

// Load reads a downloaded artifact and converts it according to its kind.
func Load(path string, kind queue.ArtifactKind, opts Options) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "gcode", "load", fmt.Sprintf("artifact %s", path), err)
		}
		return nil, services.Wrap(services.ErrTransient, "gcode", "load", "open artifact", err)
	}
	defer f.Close()

	switch kind {
	case queue.ArtifactGCode:
		return Parse(f)
	case queue.ArtifactSVG:
		return FromSVG(f, opts)
	default:
		return nil, services.Wrap(services.ErrValidation, "gcode", "load", fmt.Sprintf("unsupported artifact kind %q", kind), nil)
	}
}
