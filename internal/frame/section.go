package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Header keywords describing detector regions.
const (
	KeyBiasSection = "BIASSEC"
	KeyTrimSection = "TRIMSEC"
	KeyDataSection = "DATASEC"
)

// Section is a rectangular detector region in 0-based, half-open pixel
// coordinates. Its string form is the FITS 1-based inclusive "[x1:x2,y1:y2]".
type Section struct {
	X0, Y0 int
	X1, Y1 int
}

// ParseSection parses a FITS section string. Reversed ranges are normalized.
func ParseSection(s string) (Section, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return Section{}, fmt.Errorf("section %q: missing brackets", s)
	}
	axes := strings.Split(s[1:len(s)-1], ",")
	if len(axes) != 2 {
		return Section{}, fmt.Errorf("section %q: want two axes", s)
	}
	var bounds [2][2]int
	for i, ax := range axes {
		lim := strings.Split(ax, ":")
		if len(lim) != 2 {
			return Section{}, fmt.Errorf("section %q: axis %d malformed", s, i+1)
		}
		for j, l := range lim {
			n, err := strconv.Atoi(strings.TrimSpace(l))
			if err != nil {
				return Section{}, fmt.Errorf("section %q: %w", s, err)
			}
			if n < 1 {
				return Section{}, fmt.Errorf("section %q: bounds are 1-based", s)
			}
			bounds[i][j] = n
		}
		if bounds[i][0] > bounds[i][1] {
			bounds[i][0], bounds[i][1] = bounds[i][1], bounds[i][0]
		}
	}
	return Section{
		X0: bounds[0][0] - 1, X1: bounds[0][1],
		Y0: bounds[1][0] - 1, Y1: bounds[1][1],
	}, nil
}

func (s Section) String() string {
	return fmt.Sprintf("[%d:%d,%d:%d]", s.X0+1, s.X1, s.Y0+1, s.Y1)
}

// Width is the number of columns in the section.
func (s Section) Width() int { return s.X1 - s.X0 }

// Height is the number of rows in the section.
func (s Section) Height() int { return s.Y1 - s.Y0 }

// Within checks that the section is non-empty and fits a width x height grid.
func (s Section) Within(width, height int) error {
	if s.Width() <= 0 || s.Height() <= 0 {
		return fmt.Errorf("section %s is empty", s)
	}
	if s.X0 < 0 || s.Y0 < 0 || s.X1 > width || s.Y1 > height {
		return fmt.Errorf("section %s exceeds %dx%d frame", s, width, height)
	}
	return nil
}
