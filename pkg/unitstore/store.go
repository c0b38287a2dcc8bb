// Package unitstore persists completed units and answers whether a unit is
// already done.
//
// The store is the only resumability ledger: a unit is complete exactly when
// its file exists at PathFor(unit). Writes are atomic, so an interrupted
// write never leaves a file at that path.
package unitstore

import (
	"context"
	"errors"
	"strings"

	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Store maps units to output files.
type Store interface {
	// PathFor returns the deterministic location of u's output.
	PathFor(u unit.Unit) string

	// Exists reports whether u's output is present.
	Exists(ctx context.Context, u unit.Unit) (bool, error)

	// Write atomically stores p as u's output.
	Write(ctx context.Context, u unit.Unit, p *source.Payload) error
}

// ErrNilPayload is returned when writing a nil payload.
var ErrNilPayload = errors.New("unitstore: nil payload")

// Options configure a store.
type Options struct {
	// Layout is the path template. Empty selects DefaultLayout.
	Layout string

	// Format is "jsonl", "parquet" or "raw". Default: jsonl
	Format string

	// Compression is "none", "gzip", "zstd" or (parquet only) "snappy".
	Compression string

	// RawExt is the extension for raw files. Default: dat
	RawExt string
}

// Open returns a FileStore for plain paths and a BlobStore for URLs such as
// "s3://bucket/prefix", "file:///data" or "mem://".
func Open(ctx context.Context, root string, opts Options) (Store, error) {
	if strings.Contains(root, "://") {
		return OpenBlobStore(ctx, root, opts)
	}
	return NewFileStore(root, opts)
}

type base struct {
	layout *Layout
	enc    Encoder
}

func newBase(opts Options) (base, error) {
	layout, err := CompileLayout(opts.Layout)
	if err != nil {
		return base{}, err
	}
	enc, err := NewEncoder(opts.Format, opts.Compression, opts.RawExt)
	if err != nil {
		return base{}, err
	}
	return base{layout: layout, enc: enc}, nil
}

func (b base) relPath(u unit.Unit) string {
	return b.layout.Apply(u, b.enc.Ext())
}
