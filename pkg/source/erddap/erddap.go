// Package erddap implements the adapter for ERDDAP griddap datasets
// (reanalysis currents, wave hindcasts) fetched as CSV.
//
// Requests use value constraints for time, latitude and longitude and,
// for depth level units, an index constraint on the depth dimension:
//
//	{base}/griddap/{dataset}.csv?var[(t0):1:(t1)][(z0):1:(z1)][(s):1:(n)][(w):1:(e)]
package erddap

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/planner"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Kind is the registry key for this adapter.
const Kind = "erddap"

// Options understood by the adapter.
const (
	// OptionLon360 converts longitudes to the 0..360 convention.
	OptionLon360 = "lon360"

	// OptionDepthDimension forces a depth dimension on sources without a
	// depth mode (single-level datasets with a singleton depth axis).
	OptionDepthDimension = "depth_dimension"

	// OptionDefaultDepth is the depth value used when the dataset has a depth
	// dimension but the unit carries none. Default: 0
	OptionDefaultDepth = "default_depth"

	// OptionProbeLevels bounds the depth probe sample. Default: 40
	OptionProbeLevels = "probe_levels"

	// OptionOpenEdgeEpsilon is subtracted from open north/east bounds so
	// adjacent boxes never return the shared grid line twice. Default: 1e-6
	OptionOpenEdgeEpsilon = "open_edge_epsilon"
)

// CredentialAPIKey names the optional API key credential.
const CredentialAPIKey = "erddap.api_key"

const timeLayout = "2006-01-02T15:04:05Z"

// Adapter fetches griddap CSV.
type Adapter struct {
	spec     source.Spec
	desc     source.Descriptor
	http     *source.HTTPClient
	apiKey   string
	lon360   bool
	hasDepth bool
	depth0   float64
	probeN   int
	epsilon  float64
}

// New is the source.Factory for erddap sources.
func New(sc *source.Context, spec source.Spec) (source.Adapter, error) {
	return NewAdapter(sc, spec)
}

// NewAdapter returns a configured Adapter.
func NewAdapter(sc *source.Context, spec source.Spec) (*Adapter, error) {
	if strings.TrimSpace(spec.BaseURL) == "" {
		return nil, fmt.Errorf("%w: erddap source %q requires base_url", fault.ErrInvalidConfig, spec.Name)
	}
	if strings.TrimSpace(spec.Dataset) == "" {
		return nil, fmt.Errorf("%w: erddap source %q requires dataset", fault.ErrInvalidConfig, spec.Name)
	}

	desc, err := spec.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}
	desc.Limits.Variables = sc.VariablesFor(spec.Name, desc.Limits.Variables)
	if len(desc.Limits.Variables) == 0 {
		return nil, fmt.Errorf("%w: erddap source %q requires variables", fault.ErrInvalidConfig, spec.Name)
	}

	a := &Adapter{
		spec:     spec,
		desc:     desc,
		http:     source.NewHTTPClient(sc, spec.Name),
		apiKey:   sc.Credential(CredentialAPIKey),
		lon360:   spec.Option(OptionLon360, "false") == "true",
		hasDepth: desc.Depth.Kind != planner.DepthNoneKind || spec.Option(OptionDepthDimension, "false") == "true",
	}
	if a.depth0, err = floatOption(spec, OptionDefaultDepth, 0); err != nil {
		return nil, err
	}
	if a.epsilon, err = floatOption(spec, OptionOpenEdgeEpsilon, 1e-6); err != nil {
		return nil, err
	}
	probe, err := floatOption(spec, OptionProbeLevels, 40)
	if err != nil {
		return nil, err
	}
	a.probeN = int(probe)
	if a.probeN < 1 {
		return nil, fmt.Errorf("%w: %s must be >= 1", fault.ErrInvalidConfig, OptionProbeLevels)
	}
	return a, nil
}

func floatOption(spec source.Spec, key string, def float64) (float64, error) {
	raw := spec.Option(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: option %s: %w", fault.ErrInvalidConfig, key, err)
	}
	return v, nil
}

// Descriptor returns the source descriptor.
func (a *Adapter) Descriptor() source.Descriptor {
	return a.desc
}

// BuildRequest derives the griddap query for u.
func (a *Adapter) BuildRequest(u unit.Unit) (*source.Request, error) {
	vars := a.desc.Limits.Variables
	if u.Variable != "" {
		vars = []string{u.Variable}
	}

	timeC, err := timeConstraint(u.Window)
	if err != nil {
		return nil, err
	}
	depthC := ""
	if a.hasDepth {
		depthC = a.depthConstraint(u)
	}
	spatial := a.spatialConstraint(u.Region)

	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = v + timeC + depthC + spatial
	}
	return a.request(u, parts, map[string]string{"variables": strings.Join(vars, ",")}), nil
}

func (a *Adapter) request(u unit.Unit, parts []string, meta map[string]string) *source.Request {
	base := strings.TrimRight(a.spec.BaseURL, "/")
	query := escapeQuery(strings.Join(parts, ","))
	if a.apiKey != "" {
		query += "&apikey=" + url.QueryEscape(a.apiKey)
	}
	return &source.Request{
		Unit:   u,
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/griddap/%s.csv?%s", base, url.PathEscape(a.spec.Dataset), query),
		Header: http.Header{"Accept": []string{"text/csv"}},
		Meta:   meta,
	}
}

// escapeQuery percent-encodes the characters ERDDAP requires encoded while
// keeping the constraint syntax readable in logs.
func escapeQuery(q string) string {
	r := strings.NewReplacer(
		"[", "%5B", "]", "%5D",
		"(", "%28", ")", "%29",
		":", "%3A", " ", "%20",
		"<", "%3C", ">", "%3E",
	)
	return r.Replace(q)
}

// timeConstraint maps the half-open window to ERDDAP's inclusive range by
// ending one second before the exclusive end.
func timeConstraint(w geo.TimeWindow) (string, error) {
	if !w.Start.Before(w.End) {
		return "", fmt.Errorf("%w: empty time window %s", fault.ErrBadRequest, w)
	}
	last := w.End.Add(-time.Second)
	if last.Before(w.Start) {
		last = w.Start
	}
	return fmt.Sprintf("[(%s):1:(%s)]", w.Start.UTC().Format(timeLayout), last.UTC().Format(timeLayout)), nil
}

func (a *Adapter) depthConstraint(u unit.Unit) string {
	switch {
	case u.Level > 0:
		i := u.Level - 1
		return fmt.Sprintf("[%d:1:%d]", i, i)
	case u.Depth != nil:
		return fmt.Sprintf("[(%s):1:(%s)]", num(u.Depth.Min), num(u.Depth.Max))
	default:
		return fmt.Sprintf("[(%s)]", num(a.depth0))
	}
}

func (a *Adapter) spatialConstraint(r geo.Region) string {
	north, east := r.North, r.East
	if r.OpenNorth && north-a.epsilon >= r.South {
		north -= a.epsilon
	}
	if r.OpenEast && east-a.epsilon >= r.West {
		east -= a.epsilon
	}
	west := a.lon(r.West)
	east = a.lon(east)
	return fmt.Sprintf("[(%s):1:(%s)][(%s):1:(%s)]", num(r.South), num(north), num(west), num(east))
}

func (a *Adapter) lon(v float64) float64 {
	if a.lon360 && v < 0 {
		return v + 360
	}
	return v
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Fetch issues the request.
func (a *Adapter) Fetch(ctx context.Context, req *source.Request) (*source.Raw, error) {
	raw, err := a.http.Do(ctx, req)
	if err != nil {
		return nil, translate(err)
	}
	return raw, nil
}

// translate maps ERDDAP's "no matching results" responses, which arrive as
// 404 or as 500 with a recognizable message, to data absence.
func translate(err error) error {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return err
	}
	msg := fe.Err.Error()
	if strings.Contains(strings.ToLower(msg), "query produced no matching results") {
		fe.Err = fmt.Errorf("%w: %s", fault.ErrNotFound, msg)
	}
	return fe
}

// Parse converts griddap CSV into observations. The first row names the
// columns, the second carries units; NaN values are missing and skipped.
func (a *Adapter) Parse(raw *source.Raw) (*source.Payload, error) {
	t, err := readTable(raw.Body)
	if err != nil {
		return nil, err
	}

	u := raw.Request.Unit
	p := &source.Payload{Unit: u, Raw: raw.Body}
	p.SetAttr("source", a.spec.Name)
	p.SetAttr("dataset", a.spec.Dataset)
	p.SetAttr("query", raw.Request.URL)

	for _, v := range t.valueCols {
		if unitName := t.units[v]; unitName != "" {
			p.SetAttr("units."+t.names[v], unitName)
		}
	}

	for _, row := range t.rows {
		ts, err := time.Parse(time.RFC3339, row[t.timeCol])
		if err != nil {
			return nil, fmt.Errorf("%w: time %q: %w", fault.ErrMalformedResponse, row[t.timeCol], err)
		}
		lat, err1 := parseFloat(row[t.latCol])
		lon, err2 := parseFloat(row[t.lonCol])
		if err := errors.Join(err1, err2); err != nil {
			return nil, fmt.Errorf("%w: coordinates: %w", fault.ErrMalformedResponse, err)
		}
		if a.lon360 && lon > 180 {
			lon -= 360
		}
		depth := math.NaN()
		if t.depthCol >= 0 {
			if depth, err = parseFloat(row[t.depthCol]); err != nil {
				return nil, fmt.Errorf("%w: depth: %w", fault.ErrMalformedResponse, err)
			}
		}

		for _, c := range t.valueCols {
			v, err := parseFloat(row[c])
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", fault.ErrMalformedResponse, t.names[c], err)
			}
			if math.IsNaN(v) {
				continue
			}
			p.Observations = append(p.Observations, source.Observation{
				Time:     ts.UTC(),
				Lat:      lat,
				Lon:      lon,
				Depth:    depth,
				Variable: t.names[c],
				Value:    v,
			})
		}
	}
	return p, nil
}

// ProbeDepth counts valid depth levels at u's location by sampling the
// first variable over the first probe_levels levels at the first timestep.
func (a *Adapter) ProbeDepth(ctx context.Context, u unit.Unit) (int, error) {
	start := u.Window.Start.UTC().Format(timeLayout)
	r := u.Region
	lat, lon := r.South, a.lon(r.West)
	part := fmt.Sprintf("%s[(%s)][0:1:%d][(%s)][(%s)]",
		a.desc.Limits.Variables[0], start, a.probeN-1, num(lat), num(lon))

	req := a.request(u, []string{part}, map[string]string{"probe": "true"})
	raw, err := a.Fetch(ctx, req)
	if err != nil {
		return 0, err
	}

	t, err := readTable(raw.Body)
	if err != nil {
		return 0, err
	}
	if len(t.valueCols) == 0 {
		return 0, fmt.Errorf("%w: probe returned no value column", fault.ErrMalformedResponse)
	}
	col := t.valueCols[0]
	n := 0
	for _, row := range t.rows {
		v, err := parseFloat(row[col])
		if err != nil {
			return 0, fmt.Errorf("%w: probe value: %w", fault.ErrMalformedResponse, err)
		}
		if !math.IsNaN(v) {
			n++
		}
	}
	return n, nil
}

type table struct {
	names     []string
	units     map[int]string
	rows      [][]string
	timeCol   int
	latCol    int
	lonCol    int
	depthCol  int
	valueCols []int
}

func readTable(body []byte) (*table, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty response", fault.ErrMalformedResponse)
		}
		return nil, fmt.Errorf("%w: header: %w", fault.ErrMalformedResponse, err)
	}

	t := &table{names: header, units: map[int]string{}, timeCol: -1, latCol: -1, lonCol: -1, depthCol: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "time":
			t.timeCol = i
		case "latitude", "lat":
			t.latCol = i
		case "longitude", "lon":
			t.lonCol = i
		case "depth", "altitude", "level", "z":
			t.depthCol = i
		default:
			t.valueCols = append(t.valueCols, i)
		}
	}
	if t.timeCol < 0 || t.latCol < 0 || t.lonCol < 0 {
		return nil, fmt.Errorf("%w: missing time/latitude/longitude columns in %v", fault.ErrMalformedResponse, header)
	}

	unitsRow, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		return nil, fmt.Errorf("%w: units row: %w", fault.ErrMalformedResponse, err)
	}
	for i, v := range unitsRow {
		t.units[i] = v
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", fault.ErrMalformedResponse, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%w: row has %d fields, want %d", fault.ErrMalformedResponse, len(rec), len(header))
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

var (
	_ source.Adapter     = (*Adapter)(nil)
	_ source.DepthProber = (*Adapter)(nil)
)
