package unitstore

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/3leaps/gohindcast/pkg/source"
)

// Output formats.
const (
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
	FormatRaw     = "raw"
)

// Compression codecs.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
)

// Encoder serialises a payload into one unit file.
type Encoder interface {
	// Ext is the file extension without a leading dot. It depends only on
	// configuration so paths can be computed before anything is fetched.
	Ext() string

	// Encode writes p to w.
	Encode(w io.Writer, p *source.Payload) error
}

// NewEncoder returns the encoder for format and compression. Empty values
// select jsonl without compression. rawExt names the extension of raw
// passthrough files.
func NewEncoder(format, compression, rawExt string) (Encoder, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	compression = strings.ToLower(strings.TrimSpace(compression))
	if compression == "" {
		compression = CompressionNone
	}

	switch format {
	case "", FormatJSONL:
		switch compression {
		case CompressionNone, CompressionGzip, CompressionZstd:
			return &jsonlEncoder{compression: compression}, nil
		}
	case FormatParquet:
		switch compression {
		case CompressionNone, CompressionSnappy, CompressionZstd, CompressionGzip:
			return &parquetEncoder{compression: compression}, nil
		}
	case FormatRaw:
		if rawExt == "" {
			rawExt = "dat"
		}
		return rawEncoder{ext: strings.TrimPrefix(rawExt, ".")}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	return nil, fmt.Errorf("compression %q not supported for %s", compression, format)
}

// header is the first line of a jsonl unit file.
type header struct {
	Unit       string            `json:"unit"`
	Source     string            `json:"source"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Count      int               `json:"count"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// jsonObservation encodes NaN depth as absent.
type jsonObservation struct {
	Time     time.Time `json:"time"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Depth    *float64  `json:"depth,omitempty"`
	Variable string    `json:"variable"`
	Value    float64   `json:"value"`
}

type jsonlEncoder struct {
	compression string
}

func (e *jsonlEncoder) Ext() string {
	switch e.compression {
	case CompressionGzip:
		return "jsonl.gz"
	case CompressionZstd:
		return "jsonl.zst"
	}
	return "jsonl"
}

func (e *jsonlEncoder) Encode(w io.Writer, p *source.Payload) error {
	var (
		out    io.Writer = w
		closer io.Closer
	)
	switch e.compression {
	case CompressionGzip:
		gz := gzip.NewWriter(w)
		out, closer = gz, gz
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		out, closer = zw, zw
	}

	enc := json.NewEncoder(out)
	h := header{
		Unit:       p.Unit.ID(),
		Source:     p.Unit.Source,
		Start:      p.Unit.Window.Start,
		End:        p.Unit.Window.End,
		Count:      len(p.Observations),
		Attributes: p.Attributes,
	}
	if err := enc.Encode(h); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, o := range p.Observations {
		jo := jsonObservation{Time: o.Time.UTC(), Lat: o.Lat, Lon: o.Lon, Variable: o.Variable, Value: o.Value}
		if !math.IsNaN(o.Depth) {
			d := o.Depth
			jo.Depth = &d
		}
		if err := enc.Encode(jo); err != nil {
			return fmt.Errorf("encode observation: %w", err)
		}
	}

	if closer != nil {
		return closer.Close()
	}
	return nil
}

// parquetRow is the on-disk row for parquet unit files.
type parquetRow struct {
	TimeUnixMs int64   `parquet:"time_unix_ms"`
	Lat        float64 `parquet:"lat"`
	Lon        float64 `parquet:"lon"`
	Depth      float64 `parquet:"depth"`
	Variable   string  `parquet:"variable,dict"`
	Value      float64 `parquet:"value"`
}

type parquetEncoder struct {
	compression string
}

func (e *parquetEncoder) Ext() string { return "parquet" }

func (e *parquetEncoder) Encode(w io.Writer, p *source.Payload) error {
	opts := []parquet.WriterOption{
		parquet.KeyValueMetadata("gohindcast.unit", p.Unit.ID()),
	}
	switch e.compression {
	case CompressionSnappy:
		opts = append(opts, parquet.Compression(&parquet.Snappy))
	case CompressionZstd:
		opts = append(opts, parquet.Compression(&parquet.Zstd))
	case CompressionGzip:
		opts = append(opts, parquet.Compression(&parquet.Gzip))
	}

	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, parquet.KeyValueMetadata(k, p.Attributes[k]))
	}

	pw := parquet.NewGenericWriter[parquetRow](w, opts...)
	rows := make([]parquetRow, len(p.Observations))
	for i, o := range p.Observations {
		rows[i] = parquetRow{
			TimeUnixMs: o.Time.UnixMilli(),
			Lat:        o.Lat,
			Lon:        o.Lon,
			Depth:      o.Depth,
			Variable:   o.Variable,
			Value:      o.Value,
		}
	}
	if len(rows) > 0 {
		if _, err := pw.Write(rows); err != nil {
			_ = pw.Close()
			return fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// rawEncoder stores the adapter bytes untouched. Payloads without raw bytes
// (e.g. depth profile markers) are written as their attributes in JSON.
type rawEncoder struct {
	ext string
}

func (e rawEncoder) Ext() string { return e.ext }

func (rawEncoder) Encode(w io.Writer, p *source.Payload) error {
	if len(p.Raw) == 0 {
		return json.NewEncoder(w).Encode(p.Attributes)
	}
	return writeAll(w, p.Raw)
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
