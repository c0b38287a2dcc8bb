package source

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/planner"
	"github.com/3leaps/gohindcast/pkg/retry"
)

// Depth modes accepted in Spec.Depth.
const (
	DepthModeNone     = "none"
	DepthModeFixed    = "fixed"
	DepthModeAdaptive = "adaptive"
)

// Spec is the catalog definition of a source.
type Spec struct {
	// Name is the catalog key, used in paths and unit IDs.
	Name string `json:"name" yaml:"name"`

	// Kind selects the adapter factory (e.g., "erddap", "ndbc", "s3archive").
	Kind string `json:"kind" yaml:"kind"`

	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// BaseURL is the service root for HTTP sources.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Dataset identifies the dataset within the service.
	Dataset string `json:"dataset,omitempty" yaml:"dataset,omitempty"`

	// ValidStart and ValidEnd bound the source's data. ValidEnd is exclusive.
	ValidStart time.Time `json:"valid_start" yaml:"valid_start"`
	ValidEnd   time.Time `json:"valid_end" yaml:"valid_end"`

	// TimeStep is the per-request time cap: "1y", "1mo", "7d", "6h".
	TimeStep string `json:"time_step" yaml:"time_step"`

	MaxLatSpan float64 `json:"max_lat_span,omitempty" yaml:"max_lat_span,omitempty"`
	MaxLonSpan float64 `json:"max_lon_span,omitempty" yaml:"max_lon_span,omitempty"`
	Resolution float64 `json:"resolution,omitempty" yaml:"resolution,omitempty"`

	Variables      []string `json:"variables,omitempty" yaml:"variables,omitempty"`
	SplitVariables bool     `json:"split_variables,omitempty" yaml:"split_variables,omitempty"`
	Parallelism    int      `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`

	// Depth is "none", "fixed" or "adaptive".
	Depth      string          `json:"depth,omitempty" yaml:"depth,omitempty"`
	DepthRange *geo.DepthRange `json:"depth_range,omitempty" yaml:"depth_range,omitempty"`

	Retry     retry.Config `json:"retry,omitempty" yaml:"retry,omitempty"`
	RateLimit float64      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// Stations lists fixed observation sites for station-based sources.
	Stations []Station `json:"stations,omitempty" yaml:"stations,omitempty"`

	// Options carries adapter-specific settings.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Station is a fixed observation site.
type Station struct {
	ID  string  `json:"id" yaml:"id"`
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Option returns Options[key] or def.
func (s Spec) Option(key, def string) string {
	if v, ok := s.Options[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Validate checks the fields every adapter relies on.
func (s Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(s.Kind) == "" {
		errs = append(errs, errors.New("kind is required"))
	}
	if !s.ValidStart.IsZero() && !s.ValidEnd.IsZero() && !s.ValidStart.Before(s.ValidEnd) {
		errs = append(errs, errors.New("valid_start must be before valid_end"))
	}
	if _, err := planner.ParseStep(s.TimeStep); err != nil {
		errs = append(errs, err)
	}
	switch s.Depth {
	case "", DepthModeNone, DepthModeAdaptive:
	case DepthModeFixed:
		if s.DepthRange == nil {
			errs = append(errs, errors.New("depth_range is required for fixed depth"))
		} else if err := s.DepthRange.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown depth mode %q", s.Depth))
	}
	if s.SplitVariables && len(s.Variables) == 0 {
		errs = append(errs, errors.New("split_variables requires variables"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("source %q: %w", s.Name, err)
	}
	return nil
}

// Descriptor derives the runtime descriptor from the spec.
func (s Spec) Descriptor() (Descriptor, error) {
	if err := s.Validate(); err != nil {
		return Descriptor{}, err
	}
	step, _ := planner.ParseStep(s.TimeStep)

	d := Descriptor{
		Name:  s.Name,
		Kind:  s.Kind,
		Title: s.Title,
		ValidRange: geo.TimeWindow{
			Start: s.ValidStart.UTC(),
			End:   s.ValidEnd.UTC(),
		},
		Limits: planner.Limits{
			TimeStep:       step,
			MaxLatSpan:     s.MaxLatSpan,
			MaxLonSpan:     s.MaxLonSpan,
			Resolution:     s.Resolution,
			Variables:      append([]string(nil), s.Variables...),
			SplitVariables: s.SplitVariables,
		},
		Retry:       s.Retry.WithDefaults(),
		RateLimit:   s.RateLimit,
		Parallelism: s.Parallelism,
	}
	switch s.Depth {
	case DepthModeFixed:
		d.Depth = planner.DepthFixed(*s.DepthRange)
	case DepthModeAdaptive:
		d.Depth = planner.DepthAdaptive()
	default:
		d.Depth = planner.DepthNone()
	}
	return d, nil
}
