package reconciler

import (
	"os"
	"sync"
	"time"

	"github.com/nova-hosting/controlplane/internal/errkind"
	"gopkg.in/yaml.v3"
)

// ProxyDefinition is one declaratively-configured front proxy. The set
// of definitions is loaded from a YAML file and cached by the file's
// mtime so a hot-reload is just an edit-and-save.
type ProxyDefinition struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	ExternalPort int    `yaml:"external_port"`
	ConfigPath   string `yaml:"config_path"`
	NetworkName  string `yaml:"network_name"`
	Memory       string `yaml:"memory"`
	Image        string `yaml:"image"`
	Type         string `yaml:"type"` // velocity | bungeecord | waterfall
}

// DefinitionSource loads ProxyDefinitions from a YAML manifest on disk,
// re-reading only when the file's mtime has advanced since the last load.
type DefinitionSource struct {
	path string

	mu       sync.Mutex
	loadedAt time.Time
	cached   []ProxyDefinition
}

func NewDefinitionSource(path string) *DefinitionSource {
	return &DefinitionSource{path: path}
}

// Load returns the current set of definitions, re-parsing the manifest
// only if its mtime changed since the last successful load.
func (s *DefinitionSource) Load() ([]ProxyDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "statting proxy definitions file", err)
	}

	if !info.ModTime().After(s.loadedAt) && s.cached != nil {
		return s.cached, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "reading proxy definitions file", err)
	}

	var defs []ProxyDefinition
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, errkind.Wrap(errkind.Validation, "parsing proxy definitions file", err)
	}

	s.cached = defs
	s.loadedAt = info.ModTime()
	return defs, nil
}
