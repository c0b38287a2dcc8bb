// Package ndbc implements the adapter for the NDBC historical standard
// meteorological (stdmet) buoy archive: one gzip-compressed text file per
// station and year at {base}{station}h{year}.txt.gz.
package ndbc

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Kind is the registry key for this adapter.
const Kind = "ndbc"

// Options understood by the adapter.
const (
	// OptionStation pins the station ID instead of selecting the nearest.
	OptionStation = "station"

	// OptionMaxDistance is the largest distance in degrees between a point
	// region and the selected station. Default: 1
	OptionMaxDistance = "max_distance_deg"
)

// DefaultBaseURL is the public stdmet archive.
const DefaultBaseURL = "https://www.ndbc.noaa.gov/data/historical/stdmet/"

// Adapter fetches station-year stdmet files.
type Adapter struct {
	spec    source.Spec
	desc    source.Descriptor
	http    *source.HTTPClient
	base    string
	pinned  string
	maxDist float64
}

// New is the source.Factory for ndbc sources.
func New(sc *source.Context, spec source.Spec) (source.Adapter, error) {
	return NewAdapter(sc, spec)
}

// NewAdapter returns a configured Adapter.
func NewAdapter(sc *source.Context, spec source.Spec) (*Adapter, error) {
	desc, err := spec.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}
	desc.Limits.Variables = sc.VariablesFor(spec.Name, desc.Limits.Variables)

	a := &Adapter{
		spec:    spec,
		desc:    desc,
		http:    source.NewHTTPClient(sc, spec.Name),
		base:    spec.BaseURL,
		pinned:  spec.Option(OptionStation, ""),
		maxDist: 1,
	}
	if a.base == "" {
		a.base = DefaultBaseURL
	}
	if !strings.HasSuffix(a.base, "/") {
		a.base += "/"
	}
	if raw := spec.Option(OptionMaxDistance, ""); raw != "" {
		if a.maxDist, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("%w: option %s: %w", fault.ErrInvalidConfig, OptionMaxDistance, err)
		}
	}
	if a.pinned == "" && len(spec.Stations) == 0 {
		return nil, fmt.Errorf("%w: ndbc source %q requires stations or the %s option",
			fault.ErrInvalidConfig, spec.Name, OptionStation)
	}
	return a, nil
}

// Descriptor returns the source descriptor.
func (a *Adapter) Descriptor() source.Descriptor {
	return a.desc
}

// Station returns the station serving region r: the pinned station, the
// nearest station inside r, or for a point region the nearest station
// within max_distance_deg. It returns an error wrapping fault.ErrNotFound
// when no station qualifies.
func (a *Adapter) Station(r geo.Region) (source.Station, error) {
	if a.pinned != "" {
		for _, st := range a.spec.Stations {
			if strings.EqualFold(st.ID, a.pinned) {
				return st, nil
			}
		}
		return source.Station{ID: a.pinned, Lat: math.NaN(), Lon: math.NaN()}, nil
	}

	cLat, cLon := (r.North+r.South)/2, (r.East+r.West)/2
	candidates := make([]source.Station, 0, len(a.spec.Stations))
	for _, st := range a.spec.Stations {
		if r.IsPoint() {
			if distance(cLat, cLon, st.Lat, st.Lon) <= a.maxDist {
				candidates = append(candidates, st)
			}
			continue
		}
		if r.Contains(st.Lat, st.Lon) {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return source.Station{}, fmt.Errorf("%w: no %s station serves %s", fault.ErrNotFound, a.spec.Name, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return distance(cLat, cLon, candidates[i].Lat, candidates[i].Lon) <
			distance(cLat, cLon, candidates[j].Lat, candidates[j].Lon)
	})
	return candidates[0], nil
}

// distance is in degrees with longitude scaled by the cosine of latitude.
func distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := lat2 - lat1
	dLon := (lon2 - lon1) * math.Cos((lat1+lat2)/2*math.Pi/180)
	return math.Hypot(dLat, dLon)
}

// BuildRequest selects the station and year file for u. A unit window must
// not cross a calendar year.
func (a *Adapter) BuildRequest(u unit.Unit) (*source.Request, error) {
	st, err := a.Station(u.Region)
	if err != nil {
		return nil, err
	}
	start := u.Window.Start.UTC()
	last := u.Window.End.UTC().Add(-1)
	if last.Year() != start.Year() {
		return nil, fmt.Errorf("%w: window %s spans more than one year", fault.ErrBadRequest, u.Window)
	}

	id := strings.ToLower(st.ID)
	return &source.Request{
		Unit:   u,
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s%sh%d.txt.gz", a.base, id, start.Year()),
		Meta: map[string]string{
			"station": id,
			"lat":     strconv.FormatFloat(st.Lat, 'f', -1, 64),
			"lon":     strconv.FormatFloat(st.Lon, 'f', -1, 64),
		},
	}, nil
}

// Fetch downloads the station-year file. A missing file (404) means the
// station has no data for that year.
func (a *Adapter) Fetch(ctx context.Context, req *source.Request) (*source.Raw, error) {
	return a.http.Do(ctx, req)
}

// Parse decodes the stdmet file and keeps the rows inside the unit window
// for the selected variables.
func (a *Adapter) Parse(raw *source.Raw) (*source.Payload, error) {
	req := raw.Request
	lat, _ := strconv.ParseFloat(req.Meta["lat"], 64)
	lon, _ := strconv.ParseFloat(req.Meta["lon"], 64)

	vars := a.desc.Limits.Variables
	if req.Unit.Variable != "" {
		vars = []string{req.Unit.Variable}
	}

	text, err := Decompress(raw.Body)
	if err != nil {
		return nil, err
	}
	obs, units, err := ParseStdmet(text, Filter{
		Lat:       lat,
		Lon:       lon,
		Window:    req.Unit.Window,
		Variables: vars,
	})
	if err != nil {
		return nil, err
	}

	p := &source.Payload{Unit: req.Unit, Observations: obs, Raw: text}
	p.SetAttr("source", a.spec.Name)
	p.SetAttr("station", req.Meta["station"])
	p.SetAttr("url", req.URL)
	for v, u := range units {
		p.SetAttr("units."+v, u)
	}
	return p, nil
}

var _ source.Adapter = (*Adapter)(nil)
