package source

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gohindcast/pkg/fault"
)

// DefaultUserAgent identifies outbound requests.
const DefaultUserAgent = "gohindcast"

// DefaultHTTPTimeout bounds one HTTP request.
const DefaultHTTPTimeout = 2 * time.Minute

// Context is the configuration shared by all adapters of one run.
//
// It is built once per run and handed to adapter factories; adapters keep a
// reference instead of reading process-wide state.
type Context struct {
	// RunID correlates logs and events.
	RunID string

	// UserAgent is sent on HTTP requests.
	UserAgent string

	// HTTPTimeout bounds a single HTTP request. Default: 2m
	HTTPTimeout time.Duration

	// HTTPClient overrides the client adapters use (tests).
	HTTPClient *http.Client

	// Credentials maps credential names (e.g., "erddap.api_key") to values.
	Credentials map[string]string

	// Variables overrides a source's variable list by source name.
	Variables map[string][]string

	Logger *zap.Logger
}

// Credential returns the named credential or "".
func (c *Context) Credential(name string) string {
	if c == nil {
		return ""
	}
	return c.Credentials[name]
}

// VariablesFor returns the run's variable override for source, or def.
func (c *Context) VariablesFor(source string, def []string) []string {
	if c != nil {
		if vs, ok := c.Variables[source]; ok && len(vs) > 0 {
			return vs
		}
	}
	return def
}

// Log returns the context logger or a no-op logger.
func (c *Context) Log() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Factory constructs an adapter for spec.
type Factory func(sc *Context, spec Spec) (Adapter, error)

// Registry maps adapter kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind, replacing any existing one.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(kind)] = f
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open validates spec and constructs its adapter.
func (r *Registry) Open(sc *Context, spec Spec) (Adapter, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}

	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(spec.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for kind %q (have %s)",
			fault.ErrInvalidConfig, spec.Kind, strings.Join(r.Kinds(), ", "))
	}
	return f(sc, spec)
}
