package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/synaptica-ai/worklist/pkg/common/models"
	"gopkg.in/yaml.v3"
)

type SourcesFile struct {
	Sources []models.SourceConfig `yaml:"sources"`
}

// LoadSources reads the source definitions file. JSON files are accepted
// because they are valid YAML.
func LoadSources(path string) ([]models.SourceConfig, error) {
	if path == "" {
		return nil, errors.New("sources config path is empty")
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return ParseSources(content)
}

func ParseSources(content []byte) ([]models.SourceConfig, error) {
	var file SourcesFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, errors.New("no sources configured")
	}

	seen := make(map[string]bool, len(file.Sources))
	for i := range file.Sources {
		name := strings.TrimSpace(file.Sources[i].Name)
		if name == "" {
			return nil, fmt.Errorf("source #%d has no name", i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate source name %q", name)
		}
		seen[name] = true
		file.Sources[i].Name = name
	}
	return file.Sources, nil
}
