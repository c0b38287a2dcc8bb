// Package planner partitions a requested extent into fetch units that each
// respect a source's per-request limits.
//
// Planning is pure: the same inputs always yield the same ordered sequence,
// and the returned sequence can be ranged over any number of times.
package planner

import (
	"iter"
	"slices"

	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Limits are the per-request caps a source imposes.
type Limits struct {
	// TimeStep caps the time span of one request.
	TimeStep Step

	// MaxLatSpan and MaxLonSpan cap the box size in degrees. Zero means
	// unlimited along that axis.
	MaxLatSpan float64
	MaxLonSpan float64

	// Resolution is the source grid spacing in degrees. When set, spatial
	// splitting happens on grid points instead of continuous edges.
	Resolution float64

	// Variables lists the variables requested from the source.
	Variables []string

	// SplitVariables emits one unit per variable per chunk.
	SplitVariables bool
}

// DepthKind selects how the vertical dimension is planned.
type DepthKind int

const (
	// DepthNoneKind plans no depth dimension.
	DepthNoneKind DepthKind = iota
	// DepthFixedKind attaches the same depth range to every unit.
	DepthFixedKind
	// DepthAdaptiveKind marks units as profiles whose levels are discovered
	// by the fetch worker.
	DepthAdaptiveKind
)

// DepthMode configures depth planning.
type DepthMode struct {
	Kind  DepthKind
	Range geo.DepthRange
}

// DepthNone plans without depth.
func DepthNone() DepthMode { return DepthMode{} }

// DepthFixed attaches r to every unit.
func DepthFixed(r geo.DepthRange) DepthMode { return DepthMode{Kind: DepthFixedKind, Range: r} }

// DepthAdaptive defers level discovery to fetch time.
func DepthAdaptive() DepthMode { return DepthMode{Kind: DepthAdaptiveKind} }

// Request is the full input to Plan.
type Request struct {
	Source string
	Region geo.Region
	Window geo.TimeWindow
	Limits Limits
	Depth  DepthMode
}

// Plan returns the ordered unit sequence for req: time chunks outermost,
// then sub-boxes, then variables. All units of one chunk are contiguous.
func Plan(req Request) iter.Seq[unit.Unit] {
	return func(yield func(unit.Unit) bool) {
		boxes := SplitRegion(req.Region, req.Limits)
		variables := []string{""}
		if req.Limits.SplitVariables && len(req.Limits.Variables) > 0 {
			variables = req.Limits.Variables
		}

		for window := range SplitTime(req.Window, req.Limits.TimeStep) {
			for _, box := range boxes {
				for _, v := range variables {
					u := unit.Unit{
						Source:   req.Source,
						Region:   box,
						Window:   window,
						Variable: v,
					}
					switch req.Depth.Kind {
					case DepthFixedKind:
						r := req.Depth.Range
						u.Depth = &r
					case DepthAdaptiveKind:
						u.Profile = true
					}
					if !yield(u) {
						return
					}
				}
			}
		}
	}
}

// Collect materialises Plan(req).
func Collect(req Request) []unit.Unit {
	return slices.Collect(Plan(req))
}

// Count returns the number of units Plan(req) yields.
func Count(req Request) int {
	n := 0
	for range Plan(req) {
		n++
	}
	return n
}

// SplitTime yields consecutive half-open sub-windows of w, each no longer
// than step. Together they cover w exactly.
func SplitTime(w geo.TimeWindow, step Step) iter.Seq[geo.TimeWindow] {
	return func(yield func(geo.TimeWindow) bool) {
		if !w.Start.Before(w.End) {
			return
		}
		if step.IsZero() || step.Validate() != nil {
			yield(w)
			return
		}

		start := w.Start.UTC()
		end := w.End.UTC()
		for start.Before(end) {
			next := step.Next(start)
			if next.After(end) {
				next = end
			}
			if !yield(geo.TimeWindow{Start: start, End: next}) {
				return
			}
			start = next
		}
	}
}
