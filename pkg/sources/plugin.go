package sources

import (
	"context"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

// Plugin talks to one external scheduling system. Validate is called once
// before any Fetch.
type Plugin interface {
	Validate(cfg models.SourceConfig) error
	Fetch(ctx context.Context, window models.SyncWindow) ([]models.RawRecord, error)
	SourceName() string
}

// IncrementalFetcher is implemented by plugins whose fetch stays correct
// when the window start is narrowed to the last successful pass.
type IncrementalFetcher interface {
	SupportsIncrementalFetch() bool
}

// DefaultMapper supplies the field mapping used when a source omits one.
type DefaultMapper interface {
	DefaultMapping() map[string]models.FieldRuleSpec
}

func SupportsIncremental(p Plugin) bool {
	inc, ok := p.(IncrementalFetcher)
	return ok && inc.SupportsIncrementalFetch()
}

// Deps are the shared collaborators handed to every plugin.
type Deps struct {
	HTTPClient *http.Client
	Logger     *logrus.Entry
	Getenv     func(string) string
}

func (d Deps) WithDefaults(source string) Deps {
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	d.Logger = logger.Component(d.Logger, "source").WithField("source", source)
	return d
}

type Factory func(cfg models.SourceConfig, deps Deps) (Plugin, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register panics on a duplicate type, which can only be a programming
// error.
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		panic("sources: duplicate plugin type " + typ)
	}
	r.factories[typ] = factory
}

func (r *Registry) New(cfg models.SourceConfig, deps Deps) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{Source: cfg.Name, Key: "type", Reason: cfg.Type, Err: ErrUnknownPluginType}
	}
	return factory(cfg, deps.WithDefaults(cfg.Name))
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
