package unitstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

func testUnit(variable string) unit.Unit {
	return unit.Unit{
		Source:   "ww3",
		Region:   geo.Point(41, -124),
		Window:   geo.TimeWindow{Start: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2015, 2, 1, 0, 0, 0, 0, time.UTC)},
		Variable: variable,
	}
}

func testPayload(u unit.Unit) *source.Payload {
	p := &source.Payload{Unit: u}
	for i := 0; i < 3; i++ {
		p.Observations = append(p.Observations, source.Observation{
			Time:     u.Window.Start.Add(time.Duration(i) * time.Hour),
			Lat:      41,
			Lon:      -124,
			Depth:    math.NaN(),
			Variable: u.Variable,
			Value:    1.5 + float64(i),
		})
	}
	p.SetAttr("units", "m")
	return p
}

type failingEncoder struct{}

func (failingEncoder) Ext() string { return "jsonl" }

func (failingEncoder) Encode(w io.Writer, _ *source.Payload) error {
	_, _ = w.Write([]byte("partial"))
	return errors.New("boom")
}

func TestFileStore_ExistsAfterWrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), Options{})
	require.NoError(t, err)

	u := testUnit("Thgt")
	ok, err := s.Exists(ctx, u)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, u, testPayload(u)))

	ok, err = s.Exists(ctx, u)
	require.NoError(t, err)
	assert.True(t, ok)

	other := testUnit("Tper")
	ok, err = s.Exists(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok, "sibling variable must not be considered done")
}

func TestFileStore_LayoutKeepsUnitsApart(t *testing.T) {
	ctx := context.Background()

	_, err := NewFileStore(t.TempDir(), Options{Layout: "{source}/{window}{depth}.{ext}"})
	require.Error(t, err)

	s, err := NewFileStore(t.TempDir(), Options{Layout: "{year}/{source}-{region}-{variable}-{start}{depth}.{ext}"})
	require.NoError(t, err)

	hs := testUnit("hs")
	require.NoError(t, s.Write(ctx, hs, testPayload(hs)))

	tp := testUnit("tp")
	elsewhere := testUnit("hs")
	elsewhere.Region = geo.Point(40, -124)
	for _, u := range []unit.Unit{tp, elsewhere} {
		assert.NotEqual(t, s.PathFor(hs), s.PathFor(u))
		ok, err := s.Exists(ctx, u)
		require.NoError(t, err)
		assert.False(t, ok, "%s must not be considered done", u.ID())
	}
}

func TestFileStore_JSONLContent(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), Options{})
	require.NoError(t, err)

	u := testUnit("Thgt")
	require.NoError(t, s.Write(ctx, u, testPayload(u)))

	f, err := os.Open(s.PathFor(u))
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var h header
	require.NoError(t, json.Unmarshal(sc.Bytes(), &h))
	assert.Equal(t, u.ID(), h.Unit)
	assert.Equal(t, 3, h.Count)
	assert.Equal(t, "m", h.Attributes["units"])

	lines := 0
	for sc.Scan() {
		var obs map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &obs))
		_, hasDepth := obs["depth"]
		assert.False(t, hasDepth)
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestFileStore_FailedWriteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root, Options{})
	require.NoError(t, err)
	s.enc = failingEncoder{}

	u := testUnit("Thgt")
	err = s.Write(ctx, u, testPayload(u))
	require.Error(t, err)

	ok, err := s.Exists(ctx, u)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(filepath.Dir(s.PathFor(u)))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed")
}

func TestFileStore_NilPayload(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Write(context.Background(), testUnit("x"), nil), ErrNilPayload)
}

func TestFileStore_GzipJSONL(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), Options{Compression: CompressionGzip})
	require.NoError(t, err)

	u := testUnit("Thgt")
	assert.True(t, strings.HasSuffix(s.PathFor(u), ".jsonl.gz"))
	require.NoError(t, s.Write(ctx, u, testPayload(u)))

	f, err := os.Open(s.PathFor(u))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, 4, bytes.Count(data, []byte("\n")))
}

func TestFileStore_Parquet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), Options{Format: FormatParquet, Compression: CompressionSnappy})
	require.NoError(t, err)

	u := testUnit("Thgt")
	require.NoError(t, s.Write(ctx, u, testPayload(u)))

	data, err := os.ReadFile(s.PathFor(u))
	require.NoError(t, err)
	rows, err := parquet.Read[parquetRow](bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Thgt", rows[0].Variable)
	assert.Equal(t, u.Window.Start.UnixMilli(), rows[0].TimeUnixMs)
	assert.InDelta(t, 3.5, rows[2].Value, 1e-9)
}

func TestFileStore_RawMarker(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), Options{Format: FormatRaw, RawExt: ".csv"})
	require.NoError(t, err)

	u := testUnit("")
	u.Profile = true
	p := &source.Payload{Unit: u}
	p.SetAttr("depth_levels", "12")
	require.NoError(t, s.Write(ctx, u, p))

	path := s.PathFor(u)
	assert.True(t, strings.HasSuffix(path, "_profile.csv"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"depth_levels":"12"`)
}

func TestLayout_Deterministic(t *testing.T) {
	l, err := CompileLayout("")
	require.NoError(t, err)

	u := testUnit("Thgt")
	assert.Equal(t, l.Apply(u, "jsonl"), l.Apply(u, "jsonl"))
	assert.Equal(t, "ww3/p41.0000_-124.0000/Thgt/20150101_20150201.jsonl", l.Apply(u, "jsonl"))

	lvl := u.WithLevel(3)
	assert.Equal(t, "ww3/p41.0000_-124.0000/Thgt/20150101_20150201_L3.jsonl", l.Apply(lvl, "jsonl"))

	noVar := testUnit("")
	assert.Equal(t, "ww3/p41.0000_-124.0000/all/20150101_20150201.jsonl", l.Apply(noVar, "jsonl"))
}

func TestCompileLayout_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{name: "unknown placeholder", template: "{source}/{nope}{depth}.{ext}"},
		{name: "unclosed", template: "{source}/{window"},
		{name: "missing window", template: "{source}/{region}/{variable}{depth}.{ext}"},
		{name: "missing depth", template: "{source}/{region}/{variable}/{window}.{ext}"},
		{name: "missing region", template: "{source}/{variable}/{window}{depth}.{ext}"},
		{name: "missing variable", template: "{source}/{region}/{window}{depth}.{ext}"},
		{name: "missing source", template: "{region}/{variable}/{window}{depth}.{ext}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileLayout(tt.template)
			assert.Error(t, err)
		})
	}
}

func TestNewEncoder_Unsupported(t *testing.T) {
	_, err := NewEncoder("csv", "", "")
	assert.Error(t, err)
	_, err = NewEncoder(FormatJSONL, CompressionSnappy, "")
	assert.Error(t, err)
}

func TestBlobStore_MemBucket(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	s, err := NewBlobStore(bucket, "/runs/a/", Options{})
	require.NoError(t, err)
	defer s.Close()

	u := testUnit("Thgt")
	assert.True(t, strings.HasPrefix(s.PathFor(u), "runs/a/ww3/"))

	ok, err := s.Exists(ctx, u)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, u, testPayload(u)))
	ok, err = s.Exists(ctx, u)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBlobStore_FailedWriteDiscarded(t *testing.T) {
	ctx := context.Background()
	s, err := NewBlobStore(memblob.OpenBucket(nil), "", Options{})
	require.NoError(t, err)
	defer s.Close()
	s.enc = failingEncoder{}

	u := testUnit("Thgt")
	require.Error(t, s.Write(ctx, u, testPayload(u)))

	ok, err := s.Exists(ctx, u)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, t.TempDir(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)

	st, err = Open(ctx, "mem://", Options{})
	require.NoError(t, err)
	assert.IsType(t, &BlobStore{}, st)
}

func TestSplitBucketURL(t *testing.T) {
	b, p, err := splitBucketURL("s3://data/hindcast/run1?region=us-west-2")
	require.NoError(t, err)
	assert.Equal(t, "s3://data?region=us-west-2", b)
	assert.Equal(t, "hindcast/run1", p)

	b, p, err = splitBucketURL("gs://data/hindcast")
	require.NoError(t, err)
	assert.Equal(t, "gs://data", b)
	assert.Equal(t, "hindcast", p)

	b, p, err = splitBucketURL("file:///tmp/out")
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/out", b)
	assert.Empty(t, p)
}

func TestBlobSchemesRegistered(t *testing.T) {
	for _, scheme := range []string{"file", "gs", "mem", "s3"} {
		assert.True(t, blob.DefaultURLMux().ValidBucketScheme(scheme), scheme)
	}
}
