// Package unit defines fetch units, the atomic work items of an extraction,
// and the outcomes recorded for them.
package unit

import (
	"strconv"
	"strings"

	"github.com/3leaps/gohindcast/pkg/geo"
)

// Unit is one independently retryable slice of an extraction: a single
// time chunk for one region or point, optionally narrowed to one variable
// and one depth range or level.
//
// Units are values; copy them freely, never mutate a planned unit.
type Unit struct {
	// Source is the catalog name of the dataset.
	Source string `json:"source"`

	// Region is the spatial extent (possibly a single point).
	Region geo.Region `json:"region"`

	// Window is the half-open time sub-range.
	Window geo.TimeWindow `json:"window"`

	// Variable narrows the unit to one variable. Empty means all variables
	// the source is configured with.
	Variable string `json:"variable,omitempty"`

	// Depth is a fixed vertical extent, if the source is queried by depth.
	Depth *geo.DepthRange `json:"depth,omitempty"`

	// Profile marks a unit whose depth levels are discovered at fetch time.
	Profile bool `json:"profile,omitempty"`

	// Level is the 1-based depth level index for units derived from a
	// profile. Zero means not a level unit.
	Level int `json:"level,omitempty"`
}

// ID returns a stable identity used in logs, summaries and events.
func (u Unit) ID() string {
	parts := []string{u.Source, u.Region.Key(), u.Window.Key()}
	if u.Variable != "" {
		parts = append(parts, u.Variable)
	}
	if suffix := u.depthSuffix(); suffix != "" {
		parts = append(parts, suffix)
	}
	return strings.Join(parts, ":")
}

// ChunkKey identifies the chunk a unit belongs to. Units fanned out per
// variable share a chunk key.
func (u Unit) ChunkKey() string {
	return u.Source + ":" + u.Region.Key() + ":" + u.Window.Key()
}

// WithLevel derives a level unit from a profile unit.
func (u Unit) WithLevel(level int) Unit {
	out := u
	out.Profile = false
	out.Level = level
	return out
}

// DepthKey renders the depth portion of the identity: "z<min>-<max>",
// "profile", "L<n>" or "" when the unit has no depth dimension.
func (u Unit) DepthKey() string {
	return u.depthSuffix()
}

func (u Unit) depthSuffix() string {
	switch {
	case u.Level > 0:
		return "L" + strconv.Itoa(u.Level)
	case u.Profile:
		return "profile"
	case u.Depth != nil:
		return u.Depth.Key()
	default:
		return ""
	}
}

func (u Unit) String() string {
	return u.ID()
}
