package ndbc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/source"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Decompress returns body decoded when it starts with the gzip magic
// bytes, and body itself otherwise.
func Decompress(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %w", fault.ErrMalformedResponse, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %w", fault.ErrMalformedResponse, err)
	}
	return out, nil
}

// Filter selects stdmet rows.
type Filter struct {
	// Lat and Lon locate the station on every observation.
	Lat, Lon float64

	// Window keeps rows with Start <= t < End. A zero window keeps all rows.
	Window geo.TimeWindow

	// Variables keeps these columns. Empty keeps every value column.
	Variables []string
}

var timeColumns = map[string]bool{"YY": true, "YYYY": true, "MM": true, "DD": true, "hh": true, "mm": true}

// ParseStdmet parses stdmet text. The first line names the columns
// ("#YY MM DD hh mm WDIR ..." or the older "YYYY MM DD hh WD ..."); an
// optional second line starting with '#' carries units. MM and all-nines
// values (99, 999, 9999) mark missing values and are skipped.
//
// It returns the observations and the units per kept column.
func ParseStdmet(text []byte, f Filter) ([]source.Observation, map[string]string, error) {
	sc := bufio.NewScanner(bytes.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", fault.ErrMalformedResponse, err)
		}
		return nil, nil, fmt.Errorf("%w: empty stdmet file", fault.ErrMalformedResponse)
	}
	header := strings.Fields(strings.TrimPrefix(sc.Text(), "#"))
	cols, err := newColumns(header)
	if err != nil {
		return nil, nil, err
	}

	keep := make([]int, 0, len(header))
	for i, name := range header {
		if timeColumns[name] {
			continue
		}
		if len(f.Variables) == 0 || slices.Contains(f.Variables, name) {
			keep = append(keep, i)
		}
	}

	units := make(map[string]string)
	var obs []source.Observation
	line := 1
	for sc.Scan() {
		line++
		row := strings.TrimSpace(sc.Text())
		if row == "" {
			continue
		}
		if strings.HasPrefix(row, "#") {
			fields := strings.Fields(strings.TrimPrefix(row, "#"))
			if len(fields) == len(header) {
				for _, i := range keep {
					units[header[i]] = fields[i]
				}
			}
			continue
		}

		fields := strings.Fields(row)
		if len(fields) != len(header) {
			return nil, nil, fmt.Errorf("%w: line %d has %d fields, want %d",
				fault.ErrMalformedResponse, line, len(fields), len(header))
		}
		ts, err := cols.time(fields)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %w", fault.ErrMalformedResponse, line, err)
		}
		if !f.Window.Start.IsZero() && !f.Window.Contains(ts) {
			continue
		}

		for _, i := range keep {
			v, ok, err := value(fields[i])
			if err != nil {
				return nil, nil, fmt.Errorf("%w: line %d %s: %w", fault.ErrMalformedResponse, line, header[i], err)
			}
			if !ok {
				continue
			}
			obs = append(obs, source.Observation{
				Time:     ts,
				Lat:      f.Lat,
				Lon:      f.Lon,
				Depth:    math.NaN(),
				Variable: header[i],
				Value:    v,
			})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", fault.ErrMalformedResponse, err)
	}
	return obs, units, nil
}

type columns struct {
	year, month, day, hour, minute int
}

func newColumns(header []string) (columns, error) {
	c := columns{year: -1, month: -1, day: -1, hour: -1, minute: -1}
	for i, name := range header {
		switch name {
		case "YY", "YYYY":
			c.year = i
		case "MM":
			c.month = i
		case "DD":
			c.day = i
		case "hh":
			c.hour = i
		case "mm":
			c.minute = i
		}
	}
	if c.year < 0 || c.month < 0 || c.day < 0 || c.hour < 0 {
		return c, fmt.Errorf("%w: stdmet header lacks date columns: %v", fault.ErrMalformedResponse, header)
	}
	return c, nil
}

func (c columns) time(fields []string) (time.Time, error) {
	var v [5]int
	idx := [5]int{c.year, c.month, c.day, c.hour, c.minute}
	for k, i := range idx {
		if i < 0 {
			continue
		}
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return time.Time{}, err
		}
		v[k] = n
	}
	year := v[0]
	if year < 100 {
		year += 1900
	}
	return time.Date(year, time.Month(v[1]), v[2], v[3], v[4], 0, 0, time.UTC), nil
}

// value parses a stdmet field. ok is false for missing markers.
func value(s string) (float64, bool, error) {
	if s == "MM" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, err
	}
	switch v {
	case 99, 999, 9999:
		return 0, false, nil
	}
	return v, true, nil
}
