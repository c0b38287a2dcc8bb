package catalog

import (
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/source/erddap"
	"github.com/3leaps/gohindcast/pkg/source/ndbc"
	"github.com/3leaps/gohindcast/pkg/source/s3archive"
)

// DefaultRegistry returns a registry with every built-in adapter kind.
func DefaultRegistry() *source.Registry {
	r := source.NewRegistry()
	r.Register(erddap.Kind, erddap.New)
	r.Register(ndbc.Kind, ndbc.New)
	r.Register(s3archive.Kind, s3archive.New)
	return r
}
