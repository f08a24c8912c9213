package consent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider describes one claim provider that templates may request.
type Provider struct {
	Name      string            `yaml:"name" json:"name"`
	Params    map[string]string `yaml:"params" json:"params"`
	Witnesses []string          `yaml:"witnesses" json:"witnesses"`
}

type Catalog struct {
	Providers []Provider `yaml:"providers" json:"providers"`
}

func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}

	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}

	if len(cat.Providers) == 0 {
		return Catalog{}, errors.New("no consent providers configured")
	}
	for _, p := range cat.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return Catalog{}, errors.New("consent provider without a name")
		}
	}

	return cat, nil
}

func DefaultCatalog() Catalog {
	return Catalog{Providers: []Provider{
		{Name: "google-login", Params: map[string]string{}},
		{Name: "github-contributor", Params: map[string]string{}},
	}}
}

func (c Catalog) Lookup(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Provider{}, false
}
