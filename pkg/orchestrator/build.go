package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/reconcile"
	"github.com/synaptica-ai/worklist/pkg/sources"
	"github.com/synaptica-ai/worklist/pkg/transform"
)

var ErrNoValidSources = errors.New("no valid sources configured")

// Source is a validated, ready to poll source.
type Source struct {
	Config      models.SourceConfig
	Plugin      sources.Plugin
	Transformer *transform.Transformer
	Location    *time.Location
	Hours       Hours

	allowed map[string]bool
	log     *logrus.Entry
}

func (s *Source) Name() string {
	return s.Config.Name
}

func (s *Source) runtime() reconcile.Source {
	return reconcile.Source{
		Name:          s.Config.Name,
		RetireMissing: s.Config.ShouldRetireMissing(),
		MissThreshold: s.Config.MissThreshold(),
	}
}

// Build validates every enabled source. Invalid sources are reported as
// ConfigError and left out; the remaining sources still run. Only an empty
// result is fatal.
func Build(configs []models.SourceConfig, registry *sources.Registry, deps Deps) ([]*Source, []error, error) {
	log := logger.Component(deps.Logger, "orchestrator")

	var (
		built []*Source
		errs  []error
	)
	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			log.WithField("source", cfg.Name).Info("Source disabled in configuration")
			continue
		}
		src, err := buildSource(cfg, registry, deps)
		if err != nil {
			log.WithError(err).WithField("source", cfg.Name).Error("Source configuration invalid, source disabled")
			errs = append(errs, err)
			continue
		}
		built = append(built, src)
	}
	if len(built) == 0 {
		return nil, errs, ErrNoValidSources
	}
	return built, errs, nil
}

func buildSource(cfg models.SourceConfig, registry *sources.Registry, deps Deps) (*Source, error) {
	configErr := func(key, reason string, err error) error {
		return &sources.ConfigError{Source: cfg.Name, Key: key, Reason: reason, Err: err}
	}

	loc, err := time.LoadLocation(cfg.TimezoneName())
	if err != nil {
		return nil, configErr("timezone", "invalid IANA zone", err)
	}
	hours, err := ParseHours(cfg.OperatingHours)
	if err != nil {
		return nil, configErr("operating_hours", "", err)
	}
	switch cfg.Window.Mode {
	case "", models.WindowModeRolling, models.WindowModeToday:
	default:
		return nil, configErr("window.mode", fmt.Sprintf("unknown mode %q", cfg.Window.Mode), nil)
	}

	plugin, err := registry.New(cfg, sources.Deps{HTTPClient: deps.HTTPClient, Logger: deps.Logger, Getenv: deps.Getenv})
	if err != nil {
		return nil, err
	}
	if err := plugin.Validate(cfg); err != nil {
		if sources.IsConfigError(err) {
			return nil, err
		}
		return nil, configErr("config", "", err)
	}

	mapping := cfg.FieldMapping
	if len(mapping) == 0 {
		if dm, ok := plugin.(sources.DefaultMapper); ok {
			mapping = dm.DefaultMapping()
		}
	}
	if len(mapping) == 0 {
		return nil, configErr("field_mapping", "required for this source type", nil)
	}

	srcLog := logger.Component(deps.Logger, "orchestrator").WithField("source", cfg.Name)
	transformer, err := transform.Compile(mapping, transform.Options{
		Location:             loc,
		MissingSubjectPolicy: cfg.MissingSubjectPolicy,
		Logger:               srcLog,
	})
	if err != nil {
		key := "field_mapping"
		var te *transform.TransformError
		if errors.As(err, &te) && te.Field != "" {
			key += "." + te.Field
		}
		return nil, configErr(key, "", err)
	}

	var allowed map[string]bool
	if len(cfg.AllowedStudies) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedStudies))
		for _, s := range cfg.AllowedStudies {
			allowed[strings.ToLower(strings.TrimSpace(s))] = true
		}
	}

	return &Source{
		Config:      cfg,
		Plugin:      plugin,
		Transformer: transformer,
		Location:    loc,
		Hours:       hours,
		allowed:     allowed,
		log:         srcLog,
	}, nil
}

// studyAllowed matches the study description, or any configured extra
// named "study", against allowed_studies.
func (s *Source) studyAllowed(fields map[string]string) bool {
	if s.allowed == nil {
		return true
	}
	for _, key := range []string{models.FieldStudyDescription, "study"} {
		if s.allowed[strings.ToLower(strings.TrimSpace(fields[key]))] {
			return true
		}
	}
	return false
}
