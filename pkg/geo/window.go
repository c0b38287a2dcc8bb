package geo

import (
	"fmt"
	"time"
)

// TimeWindow is a half-open UTC interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// NewTimeWindow returns a window normalised to UTC. Start must be before End.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	w := TimeWindow{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return TimeWindow{}, err
	}
	return w, nil
}

// Validate checks Start < End.
func (w TimeWindow) Validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWindow,
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Clamp restricts w to the valid range. Bounds outside the range are moved
// onto it rather than rejected; ErrEmptyWindow is returned when nothing of w
// overlaps valid.
func (w TimeWindow) Clamp(valid TimeWindow) (TimeWindow, error) {
	out := w
	if !valid.Start.IsZero() && out.Start.Before(valid.Start) {
		out.Start = valid.Start
	}
	if !valid.End.IsZero() && out.End.After(valid.End) {
		out.End = valid.End
	}
	if !out.Start.Before(out.End) {
		return TimeWindow{}, fmt.Errorf("%w: %s not within %s", ErrEmptyWindow, w, valid)
	}
	return out, nil
}

// Contains reports whether t lies in [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Key is a filesystem-safe identifier "<start>_<end>" in compact UTC form.
func (w TimeWindow) Key() string {
	return stamp(w.Start) + "_" + stamp(w.End)
}

func (w TimeWindow) String() string {
	return "[" + w.Start.UTC().Format(time.RFC3339) + ", " + w.End.UTC().Format(time.RFC3339) + ")"
}

func stamp(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("20060102")
	}
	return t.Format("20060102T150405Z")
}

// DepthRange is a vertical extent in metres below the surface.
type DepthRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Validate checks Min <= Max.
func (d DepthRange) Validate() error {
	if d.Min > d.Max {
		return fmt.Errorf("invalid depth range: min %g > max %g", d.Min, d.Max)
	}
	return nil
}

// Key renders the range for paths, e.g. "z0-50".
func (d DepthRange) Key() string {
	return "z" + depthCoord(d.Min) + "-" + depthCoord(d.Max)
}

func depthCoord(v float64) string {
	return fmt.Sprintf("%g", v)
}
