// Package geo defines the spatial and temporal extents an extraction is
// requested over.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Sentinel errors for extent construction.
var (
	// ErrInvalidRegion indicates inverted or out-of-range region bounds.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrInvalidWindow indicates a time window whose start is not before its end.
	ErrInvalidWindow = errors.New("invalid time window")

	// ErrEmptyWindow indicates a window that collapsed after clamping to a valid range.
	ErrEmptyWindow = errors.New("time window outside valid range")
)

// Region is a lat/lon bounding box in decimal degrees.
//
// A single point has South == North and West == East. Sub-boxes produced by
// continuous spatial splitting set OpenNorth/OpenEast when their upper edge
// belongs to the neighbouring box.
type Region struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`

	OpenNorth bool `json:"open_north,omitempty" yaml:"-"`
	OpenEast  bool `json:"open_east,omitempty" yaml:"-"`
}

// NewRegion validates bounds and returns a closed region.
func NewRegion(north, south, east, west float64) (Region, error) {
	r := Region{North: north, South: south, East: east, West: west}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// Point returns a single-point region. Bounds are not validated.
func Point(lat, lon float64) Region {
	return Region{North: lat, South: lat, East: lon, West: lon}
}

// Validate checks the region invariants.
func (r Region) Validate() error {
	for _, v := range []float64{r.North, r.South, r.East, r.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bound", ErrInvalidRegion)
		}
	}
	if r.South > r.North {
		return fmt.Errorf("%w: south %g > north %g", ErrInvalidRegion, r.South, r.North)
	}
	if r.West > r.East {
		return fmt.Errorf("%w: west %g > east %g", ErrInvalidRegion, r.West, r.East)
	}
	if r.South < -90 || r.North > 90 {
		return fmt.Errorf("%w: latitude outside [-90, 90]", ErrInvalidRegion)
	}
	if r.West < -360 || r.East > 360 {
		return fmt.Errorf("%w: longitude outside [-360, 360]", ErrInvalidRegion)
	}
	return nil
}

// IsPoint reports whether the region degenerates to a single location.
func (r Region) IsPoint() bool {
	return r.North == r.South && r.East == r.West
}

// LatSpan returns North - South.
func (r Region) LatSpan() float64 { return r.North - r.South }

// LonSpan returns East - West.
func (r Region) LonSpan() float64 { return r.East - r.West }

// Contains reports whether (lat, lon) falls inside the region, honouring
// open upper edges.
func (r Region) Contains(lat, lon float64) bool {
	if lat < r.South || lon < r.West {
		return false
	}
	if r.OpenNorth {
		if lat >= r.North {
			return false
		}
	} else if lat > r.North {
		return false
	}
	if r.OpenEast {
		if lon >= r.East {
			return false
		}
	} else if lon > r.East {
		return false
	}
	return true
}

// Key is a filesystem-safe, stable identifier for the region.
//
// Points render as "p<lat>_<lon>", boxes as "b<south>_<west>_<north>_<east>",
// each coordinate fixed to four decimals.
func (r Region) Key() string {
	if r.IsPoint() {
		return "p" + coord(r.South) + "_" + coord(r.West)
	}
	return "b" + coord(r.South) + "_" + coord(r.West) + "_" + coord(r.North) + "_" + coord(r.East)
}

func (r Region) String() string {
	if r.IsPoint() {
		return fmt.Sprintf("(%g, %g)", r.South, r.West)
	}
	return fmt.Sprintf("[N %g, S %g, E %g, W %g]", r.North, r.South, r.East, r.West)
}

func coord(v float64) string {
	// Normalise -0 so identical locations share a key.
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
