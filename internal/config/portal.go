package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/procurewatch/procurewatch/internal/extract"
)

// PortalConfig is the YAML definition of one procurement portal.
type PortalConfig struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	BaseURL     string   `yaml:"base_url"`
	PortalType  string   `yaml:"portal_type"`
	Enabled     *bool    `yaml:"enabled"`
	SeedURLs    []string `yaml:"seed_urls"`

	Pagination PaginationConfig  `yaml:"pagination"`
	Politeness *PolitenessConfig `yaml:"politeness"`
	Extraction ExtractionConfig  `yaml:"extraction"`
}

// PaginationConfig controls page iteration for a portal. Type
// "next_link" (default) follows a detected next link; "page_param"
// increments a query parameter until a page comes back empty.
type PaginationConfig struct {
	Type             string `yaml:"type"`
	Param            string `yaml:"param"`
	MaxPages         int    `yaml:"max_pages"`
	SelectorHint     string `yaml:"selector_hint"`
	StopOnFirstError bool   `yaml:"stop_on_first_error"`
}

// ExtractionConfig selects and tunes the extraction strategy chain.
type ExtractionConfig struct {
	Mode                string               `yaml:"mode"`
	ConfidenceThreshold float64              `yaml:"confidence_threshold"`
	PreferDayFirst      bool                 `yaml:"prefer_day_first"`
	HeaderAliases       map[string][]string  `yaml:"header_aliases"`
	Listing             ListingRules         `yaml:"listing"`
	Detail              extract.DetailConfig `yaml:"detail"`
}

// ListingRules configures rule-based listing extraction.
type ListingRules struct {
	ContainerSelector string                       `yaml:"container_selector"`
	UseXPath          bool                         `yaml:"use_xpath"`
	Fields            map[string]extract.FieldRule `yaml:"fields"`
}

// IsEnabled reports whether the portal should be scraped. Portals are
// enabled unless the config says otherwise.
func (p *PortalConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Seeds returns the listing URLs to start from, falling back to the
// portal base URL.
func (p *PortalConfig) Seeds() []string {
	if len(p.SeedURLs) > 0 {
		return p.SeedURLs
	}
	return []string{p.BaseURL}
}

// Validate checks required fields.
func (p *PortalConfig) Validate() error {
	if p.Name == "" {
		return eris.New("config: portal name is required")
	}
	if p.BaseURL == "" {
		return eris.Errorf("config: portal %s: base_url is required", p.Name)
	}
	return nil
}

// LoadPortal reads and validates a single portal YAML file.
func LoadPortal(path string) (*PortalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read portal %s", path)
	}

	var p PortalConfig
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "config: parse portal %s", path)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPortals reads every portal YAML in dir, sorted by filename.
// Disabled portals are included; callers filter with IsEnabled.
func LoadPortals(dir string) ([]*PortalConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read portals dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	portals := make([]*PortalConfig, 0, len(names))
	for _, name := range names {
		p, err := LoadPortal(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		portals = append(portals, p)
	}
	return portals, nil
}

// FindPortal loads the named portal from dir.
func FindPortal(dir, name string) (*PortalConfig, error) {
	portals, err := LoadPortals(dir)
	if err != nil {
		return nil, err
	}
	for _, p := range portals {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, eris.Errorf("config: portal not found: %s", name)
}
