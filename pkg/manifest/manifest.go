// Package manifest provides loading and validation of gohindcast job manifests.
//
// A job manifest is a YAML or JSON file that describes one extraction: the
// catalog source, the region (a bounding box or a point), the time window,
// variable selection, output layout and run settings.
//
// Manifests are validated against an embedded JSON Schema and then checked
// semantically (region bounds, window order, glob syntax). All problems are
// reported together.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	source: ww3-hindcast
//	point:
//	  lat: 41
//	  lon: -124
//	time:
//	  start: 2015-01-01
//	  end: 2015-02-01
//	variables:
//	  includes: ["T*", "Thgt"]
//	output:
//	  root: ./hindcast
//	  format: jsonl
//	  compression: gzip
//	run:
//	  parallelism: 4
package manifest

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gohindcast/pkg/geo"
)

// Manifest represents a validated job manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Source names a catalog source (e.g., "hycom-reanalysis").
	Source string `json:"source" yaml:"source"`

	// Region and Point are mutually exclusive. Without either the request is
	// invalid.
	Region *RegionConfig `json:"region,omitempty" yaml:"region,omitempty"`
	Point  *PointConfig  `json:"point,omitempty" yaml:"point,omitempty"`

	// Time bounds the extraction. Omitted bounds default to the source's
	// valid range.
	Time *TimeConfig `json:"time,omitempty" yaml:"time,omitempty"`

	Variables VariablesConfig `json:"variables,omitempty" yaml:"variables,omitempty"`
	Output    OutputConfig    `json:"output" yaml:"output"`
	Run       RunConfig       `json:"run,omitempty" yaml:"run,omitempty"`
}

// RegionConfig is a bounding box in degrees.
type RegionConfig struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`
}

// PointConfig is a single location in degrees.
type PointConfig struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// TimeConfig holds the window bounds as dates ("2015-01-01") or RFC 3339
// timestamps. End is exclusive.
type TimeConfig struct {
	Start string `json:"start,omitempty" yaml:"start,omitempty"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
}

// VariablesConfig selects variables by glob pattern. Empty includes keep
// every variable the source offers.
type VariablesConfig struct {
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
}

// OutputConfig configures where and how units are persisted.
type OutputConfig struct {
	// Root is a directory or a blob URL (s3://bucket/prefix, file:///dir,
	// mem://).
	Root string `json:"root" yaml:"root"`

	// Layout is the unit path template. Default: unitstore.DefaultLayout
	Layout string `json:"layout,omitempty" yaml:"layout,omitempty"`

	// Format is jsonl, parquet or raw. Default: jsonl
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Compression is none, gzip, zstd or snappy (parquet). Default: none
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`

	// RawExt is the extension of raw passthrough files.
	RawExt string `json:"raw_ext,omitempty" yaml:"raw_ext,omitempty"`

	// Events is the JSONL record destination: "stdout", "none" or
	// "file:/path/to/events.jsonl". Default: stdout
	Events string `json:"events,omitempty" yaml:"events,omitempty"`
}

// RunConfig tunes execution.
type RunConfig struct {
	// Parallelism overrides the source's per-chunk fan-out. 0 keeps it.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`

	// ProgressPercent is the progress milestone interval. 0 uses the
	// run.progress_percent config value.
	ProgressPercent int `json:"progress_percent,omitempty" yaml:"progress_percent,omitempty"`

	// MaxAttempts overrides the source's retry cap. 0 keeps it.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// RateLimit overrides the source's requests per second. 0 keeps it.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// DryRun plans and reports without fetching.
	DryRun bool `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultFormat is the default unit file format.
	DefaultFormat = "jsonl"

	// DefaultCompression is the default unit file compression.
	DefaultCompression = "none"

	// DefaultEvents is the default record destination.
	DefaultEvents = "stdout"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Output.Format == "" {
		m.Output.Format = DefaultFormat
	}
	if m.Output.Compression == "" {
		m.Output.Compression = DefaultCompression
	}
	if m.Output.Events == "" {
		m.Output.Events = DefaultEvents
	}
}

// GeoRegion returns the requested region.
func (m *Manifest) GeoRegion() (geo.Region, error) {
	switch {
	case m.Region != nil && m.Point != nil:
		return geo.Region{}, fmt.Errorf("region and point are mutually exclusive")
	case m.Point != nil:
		r := geo.Point(m.Point.Lat, m.Point.Lon)
		return r, r.Validate()
	case m.Region != nil:
		return geo.NewRegion(m.Region.North, m.Region.South, m.Region.East, m.Region.West)
	}
	return geo.Region{}, fmt.Errorf("region or point is required")
}

// Window returns the requested time window, or nil when both bounds are
// omitted. A single omitted bound is returned as the zero time for the
// caller to fill from the source's valid range.
func (m *Manifest) Window() (*geo.TimeWindow, error) {
	if m.Time == nil || (m.Time.Start == "" && m.Time.End == "") {
		return nil, nil
	}
	start, err := ParseTime(m.Time.Start)
	if err != nil {
		return nil, fmt.Errorf("time.start: %w", err)
	}
	end, err := ParseTime(m.Time.End)
	if err != nil {
		return nil, fmt.Errorf("time.end: %w", err)
	}
	return &geo.TimeWindow{Start: start, End: end}, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
}

// ParseTime parses a date or timestamp in UTC. The empty string yields the
// zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want YYYY-MM-DD or RFC 3339)", s)
}
