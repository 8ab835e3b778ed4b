// Package catalog holds the metered features and their credit prices.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed features.yaml
var defaultFeatures []byte

var (
	ErrUnknownFeature  = errors.New("unknown feature")
	ErrFeatureDisabled = errors.New("feature is not available")
)

type Feature struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Cost        int64  `yaml:"cost" json:"cost"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

type file struct {
	Features []Feature `yaml:"features"`
}

// Catalog is an immutable, ordered feature list.
type Catalog struct {
	features []Feature
	byID     map[string]Feature
}

// Load reads the catalog from path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultFeatures)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultFeatures)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	c := &Catalog{byID: make(map[string]Feature, len(f.Features))}
	for i, feat := range f.Features {
		if feat.ID == "" {
			return nil, fmt.Errorf("feature at index %d missing id", i)
		}
		if feat.Cost <= 0 {
			return nil, fmt.Errorf("feature %q: cost must be positive", feat.ID)
		}
		if _, dup := c.byID[feat.ID]; dup {
			return nil, fmt.Errorf("feature %q listed twice", feat.ID)
		}
		c.byID[feat.ID] = feat
		c.features = append(c.features, feat)
	}
	return c, nil
}

// Cost returns the price of an enabled feature.
func (c *Catalog) Cost(id string) (int64, error) {
	feat, ok := c.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, id)
	}
	if !feat.Enabled {
		return 0, fmt.Errorf("%w: %q", ErrFeatureDisabled, id)
	}
	return feat.Cost, nil
}

// List returns all features in file order.
func (c *Catalog) List() []Feature {
	out := make([]Feature, len(c.features))
	copy(out, c.features)
	return out
}
