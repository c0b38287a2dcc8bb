package unitstore

import (
	"fmt"
	"path"
	"strings"

	"github.com/3leaps/gohindcast/pkg/unit"
)

// DefaultLayout places units under source, region and variable directories.
const DefaultLayout = "{source}/{region}/{variable}/{window}{depth}.{ext}"

type layoutPart interface {
	append(dst *strings.Builder, u unit.Unit, ext string)
}

type literalPart string

type fieldPart func(u unit.Unit, ext string) string

func (p literalPart) append(dst *strings.Builder, _ unit.Unit, _ string) {
	dst.WriteString(string(p))
}

func (p fieldPart) append(dst *strings.Builder, u unit.Unit, ext string) {
	dst.WriteString(p(u, ext))
}

var fields = map[string]fieldPart{
	"source": func(u unit.Unit, _ string) string { return sanitize(u.Source) },
	"region": func(u unit.Unit, _ string) string { return u.Region.Key() },
	"variable": func(u unit.Unit, _ string) string {
		if u.Variable == "" {
			return "all"
		}
		return sanitize(u.Variable)
	},
	"window": func(u unit.Unit, _ string) string { return u.Window.Key() },
	"start":  func(u unit.Unit, _ string) string { return u.Window.Start.UTC().Format("20060102T150405Z") },
	"end":    func(u unit.Unit, _ string) string { return u.Window.End.UTC().Format("20060102T150405Z") },
	"year":   func(u unit.Unit, _ string) string { return fmt.Sprintf("%04d", u.Window.Start.UTC().Year()) },
	"month":  func(u unit.Unit, _ string) string { return fmt.Sprintf("%02d", int(u.Window.Start.UTC().Month())) },
	"depth": func(u unit.Unit, _ string) string {
		if k := u.DepthKey(); k != "" {
			return "_" + k
		}
		return ""
	},
	"ext": func(_ unit.Unit, ext string) string { return ext },
}

// identityFields must all appear in a layout.
var identityFields = []string{"source", "region", "variable", "depth"}

// Layout maps a unit to a relative slash-separated path.
//
// Supported placeholders:
//   - `{source}`, `{region}`, `{variable}` ("all" when unset)
//   - `{window}`: "<start>_<end>" in compact UTC
//   - `{start}`, `{end}`, `{year}`, `{month}`
//   - `{depth}`: "_<depth key>" or empty
//   - `{ext}`: encoder extension
//
// Every path is a pure function of the unit's identity. A layout must
// include `{source}`, `{region}`, `{variable}`, `{depth}` and one of
// `{window}` or `{start}`; together they cover every field of the unit
// identity, so distinct units never share a path.
type Layout struct {
	raw   string
	parts []layoutPart
}

// CompileLayout parses a layout template. An empty template selects
// DefaultLayout.
func CompileLayout(template string) (*Layout, error) {
	if strings.TrimSpace(template) == "" {
		template = DefaultLayout
	}

	var parts []layoutPart
	seen := map[string]bool{}
	s := template
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open == -1 {
			parts = append(parts, literalPart(s))
			break
		}
		if open > 0 {
			parts = append(parts, literalPart(s[:open]))
			s = s[open:]
		}

		closeIdx := strings.IndexByte(s, '}')
		if closeIdx == -1 {
			return nil, fmt.Errorf("unclosed placeholder in %q", template)
		}

		name := s[1:closeIdx]
		s = s[closeIdx+1:]

		f, ok := fields[name]
		if !ok {
			return nil, fmt.Errorf("unsupported placeholder {%s}", name)
		}
		seen[name] = true
		parts = append(parts, f)
	}

	if !seen["window"] && !seen["start"] {
		return nil, fmt.Errorf("layout %q must include {window} or {start}", template)
	}
	for _, name := range identityFields {
		if !seen[name] {
			return nil, fmt.Errorf("layout %q must include {%s}", template, name)
		}
	}

	return &Layout{raw: template, parts: parts}, nil
}

// Apply renders the path for u.
func (l *Layout) Apply(u unit.Unit, ext string) string {
	var b strings.Builder
	for _, part := range l.parts {
		part.append(&b, u, ext)
	}
	out := path.Clean(b.String())
	return strings.TrimPrefix(out, "/")
}

func (l *Layout) String() string {
	return l.raw
}

// sanitize keeps names usable as a single path segment.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
