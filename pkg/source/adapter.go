// Package source defines the capability interface dataset adapters implement
// and the per-run context they are constructed from.
package source

import (
	"context"
	"net/http"
	"time"

	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/planner"
	"github.com/3leaps/gohindcast/pkg/retry"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Adapter builds, issues and parses the request for one unit of one dataset.
//
// Fetch must report failures with errors wrapping the fault sentinels so the
// retry policy can classify them. Adapters hold no per-unit state and must be
// safe for concurrent use.
type Adapter interface {
	// Descriptor returns the static description of the source.
	Descriptor() Descriptor

	// BuildRequest derives the request for u.
	BuildRequest(u unit.Unit) (*Request, error)

	// Fetch issues req and returns the raw response.
	Fetch(ctx context.Context, req *Request) (*Raw, error)

	// Parse converts a raw response into a payload.
	Parse(raw *Raw) (*Payload, error)
}

// DepthProber is implemented by adapters whose depth levels vary by location
// and must be discovered before fetching.
type DepthProber interface {
	// ProbeDepth returns the number of valid depth levels for u's location.
	ProbeDepth(ctx context.Context, u unit.Unit) (int, error)
}

// Descriptor is the static description of a source.
type Descriptor struct {
	Name  string
	Kind  string
	Title string

	// ValidRange is the time extent the source holds data for. A requested
	// window is clamped to it.
	ValidRange geo.TimeWindow

	Limits planner.Limits
	Depth  planner.DepthMode
	Retry  retry.Config

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64

	// Parallelism bounds concurrent per-variable units within one chunk.
	// Values below 2 mean sequential.
	Parallelism int
}

// Request describes one outbound request.
type Request struct {
	Unit unit.Unit

	// Method and URL are set for HTTP sources.
	Method string
	URL    string
	Header http.Header

	// Bucket and Key are set for object-store sources.
	Bucket string
	Key    string

	// Meta carries adapter-specific values from BuildRequest to Parse.
	Meta map[string]string
}

// Raw is an unparsed response.
type Raw struct {
	Request     *Request
	Body        []byte
	ContentType string
	Received    time.Time
}

// Observation is one value at one place, time and depth.
//
// Depth is NaN for sources without a vertical dimension.
type Observation struct {
	Time     time.Time `json:"time"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Depth    float64   `json:"depth"`
	Variable string    `json:"variable"`
	Value    float64   `json:"value"`
}

// Payload is the typed result of parsing one unit.
type Payload struct {
	Unit unit.Unit

	// Observations in long form. Empty for raw passthrough payloads.
	Observations []Observation

	// Attributes are dataset metadata (units, query URL, station id).
	Attributes map[string]string

	// Raw holds the original bytes for passthrough storage.
	Raw []byte
}

// SetAttr sets an attribute, allocating the map when needed.
func (p *Payload) SetAttr(key, value string) {
	if p.Attributes == nil {
		p.Attributes = make(map[string]string)
	}
	p.Attributes[key] = value
}
