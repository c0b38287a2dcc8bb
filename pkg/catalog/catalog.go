// Package catalog loads source definitions.
//
// A catalog is a YAML document listing source.Spec entries by name. The
// binary embeds a default catalog; a user catalog in the application data
// directory, or one given explicitly, is merged over it.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gohindcast/pkg/source"
)

// AppName keys the application data directory.
const AppName = "gohindcast"

// UserCatalogFile is the file name looked up in the data directory.
const UserCatalogFile = "catalog.yaml"

// ErrUnknownSource is returned by Get for names not in the catalog.
var ErrUnknownSource = errors.New("unknown source")

//go:embed default.yaml
var defaultCatalog []byte

// Catalog is an ordered set of source specs.
type Catalog struct {
	Version string        `yaml:"version"`
	Sources []source.Spec `yaml:"sources"`
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Sources))
	var errs []error
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Name = strings.TrimSpace(s.Name)
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate source %q", s.Name))
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// UserPath returns the user catalog location in the data directory.
func UserPath() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), UserCatalogFile)
}

// Resolve returns the default catalog merged with the user catalog at path.
// An empty path falls back to UserPath, which may be absent; an explicit
// path must exist.
func Resolve(path string) (*Catalog, error) {
	c := Default()
	explicit := path != ""
	if !explicit {
		path = UserPath()
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	user, err := Load(path)
	if err != nil {
		return nil, err
	}
	return c.Merge(user), nil
}

// Merge returns a catalog with overlay's sources replacing same-named
// sources of c and new ones appended.
func (c *Catalog) Merge(overlay *Catalog) *Catalog {
	out := &Catalog{Version: c.Version, Sources: slices.Clone(c.Sources)}
	if overlay == nil {
		return out
	}
	for _, s := range overlay.Sources {
		if i := out.index(s.Name); i >= 0 {
			out.Sources[i] = s
			continue
		}
		out.Sources = append(out.Sources, s)
	}
	return out
}

// Get returns the spec named name.
func (c *Catalog) Get(name string) (source.Spec, error) {
	if i := c.index(strings.TrimSpace(name)); i >= 0 {
		return c.Sources[i], nil
	}
	return source.Spec{}, fmt.Errorf("%w %q (have %s)", ErrUnknownSource, name, strings.Join(c.Names(), ", "))
}

// Names lists source names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		names[i] = s.Name
	}
	return names
}

func (c *Catalog) index(name string) int {
	return slices.IndexFunc(c.Sources, func(s source.Spec) bool { return s.Name == name })
}
