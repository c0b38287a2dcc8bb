package planner

import (
	"math"

	"github.com/3leaps/gohindcast/pkg/geo"
)

// gridEpsilon absorbs float error in decimal spans and grid point counts.
const gridEpsilon = 1e-9

type segment struct {
	lo, hi float64
	open   bool
}

// SplitRegion decomposes r into sub-boxes no larger than the span limits.
//
// Points and unconstrained axes are returned whole. The sub-boxes reconstruct
// r exactly and no location is owned by two boxes: with a known grid
// resolution boxes are closed and fall on disjoint grid points, otherwise
// every box except the last along an axis has an open upper edge.
func SplitRegion(r geo.Region, limits Limits) []geo.Region {
	if r.IsPoint() {
		return []geo.Region{r}
	}

	lats := splitAxis(r.South, r.North, limits.MaxLatSpan, limits.Resolution)
	lons := splitAxis(r.West, r.East, limits.MaxLonSpan, limits.Resolution)

	out := make([]geo.Region, 0, len(lats)*len(lons))
	for i, lat := range lats {
		for j, lon := range lons {
			box := geo.Region{
				South:     lat.lo,
				North:     lat.hi,
				West:      lon.lo,
				East:      lon.hi,
				OpenNorth: lat.open,
				OpenEast:  lon.open,
			}
			// The outer edges keep whatever openness the caller asked for.
			if i == len(lats)-1 {
				box.OpenNorth = r.OpenNorth
			}
			if j == len(lons)-1 {
				box.OpenEast = r.OpenEast
			}
			out = append(out, box)
		}
	}
	return out
}

func splitAxis(lo, hi, maxSpan, resolution float64) []segment {
	if maxSpan <= 0 || hi-lo <= maxSpan+gridEpsilon {
		return []segment{{lo: lo, hi: hi}}
	}
	if resolution > 0 {
		return splitGrid(lo, hi, maxSpan, resolution)
	}

	n := int(math.Ceil((hi-lo)/maxSpan - gridEpsilon))
	segs := make([]segment, 0, n)
	for i := 0; i < n; i++ {
		s := segment{lo: lo + float64(i)*maxSpan, hi: lo + float64(i+1)*maxSpan, open: true}
		if i == n-1 {
			s.hi = hi
			s.open = false
		}
		segs = append(segs, s)
	}
	return segs
}

// splitGrid groups the grid points lo, lo+res, ... into runs that each span
// at most maxSpan. Consecutive runs are one resolution step apart, so their
// closed boxes never share a grid point.
func splitGrid(lo, hi, maxSpan, res float64) []segment {
	points := int(math.Floor((hi-lo)/res+gridEpsilon)) + 1
	perBox := int(math.Floor(maxSpan/res+gridEpsilon)) + 1
	if perBox < 1 {
		perBox = 1
	}

	var segs []segment
	for first := 0; first < points; first += perBox {
		last := first + perBox - 1
		if last >= points-1 {
			segs = append(segs, segment{lo: lo + float64(first)*res, hi: hi})
			break
		}
		segs = append(segs, segment{lo: lo + float64(first)*res, hi: lo + float64(last)*res})
	}
	return segs
}
