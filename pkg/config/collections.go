package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/search"
	"github.com/psadtpro/psadt-search/engine/semantic"
	"github.com/psadtpro/psadt-search/engine/syncer"
)

// Collection is the YAML entry for one record kind.
type Collection struct {
	Name   string                `yaml:"name"`
	Dense  semantic.DenseConfig  `yaml:"dense"`
	Sparse semantic.SparseConfig `yaml:"sparse"`
	Search search.Fusion         `yaml:"search"`
}

// Collections is the parsed collections.yaml.
//
//	default_kind: command
//	collections:
//	  command:
//	    name: psadt_commands
//	    dense: {size: 384, distance: cosine}
//	    sparse: {enabled: true, idf: true}
//	    search: {mode: weighted, dense_weight: 0.6, sparse_weight: 0.4, candidates: 3}
type Collections struct {
	DefaultKind string                `yaml:"default_kind"`
	Entries     map[string]Collection `yaml:"collections"`

	byKind map[domain.RecordKind]Collection
}

// DefaultCollections returns one collection per record kind with dense
// vectors of dim values and IDF-weighted sparse vectors.
func DefaultCollections(dim int) *Collections {
	names := map[domain.RecordKind]string{
		domain.KindCommand:       "psadt_commands",
		domain.KindExample:       "psadt_examples",
		domain.KindDocumentation: "psadt_docs",
	}
	c := &Collections{DefaultKind: string(domain.KindCommand), Entries: make(map[string]Collection)}
	for _, k := range domain.Kinds {
		c.Entries[string(k)] = Collection{
			Name:   names[k],
			Sparse: semantic.SparseConfig{Enabled: true, IDF: true},
		}
	}
	// Defaults cannot fail validation.
	_ = c.normalize(dim)
	return c
}

// LoadCollections reads path. An empty path or a missing file yields
// DefaultCollections(dim).
func LoadCollections(path string, dim int) (*Collections, error) {
	if path == "" {
		return DefaultCollections(dim), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultCollections(dim), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := ParseCollections(data, dim)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// ParseCollections parses and validates a collections document. Dense size
// defaults to dim and distance to cosine.
func ParseCollections(data []byte, dim int) (*Collections, error) {
	var c Collections
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse collections: %w", err)
	}
	if err := c.normalize(dim); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Collections) normalize(dim int) error {
	if len(c.Entries) == 0 {
		return errors.New("no collections defined")
	}
	c.byKind = make(map[domain.RecordKind]Collection, len(c.Entries))
	seen := make(map[string]string)
	for key, e := range c.Entries {
		kind, err := domain.ParseKind(key)
		if err != nil {
			return err
		}
		if _, dup := c.byKind[kind]; dup {
			return fmt.Errorf("kind %s defined twice", kind)
		}
		if e.Name == "" {
			return fmt.Errorf("collection for %s has no name", kind)
		}
		if other, dup := seen[e.Name]; dup {
			return fmt.Errorf("collection %s used by both %s and %s", e.Name, other, kind)
		}
		seen[e.Name] = string(kind)
		if e.Dense.Size == 0 {
			if dim <= 0 {
				return fmt.Errorf("collection %s: dense size required", e.Name)
			}
			e.Dense.Size = uint64(dim)
		}
		if e.Dense.Distance == "" {
			e.Dense.Distance = "cosine"
		}
		switch e.Dense.Distance {
		case "cosine", "dot", "euclid", "manhattan":
		default:
			return fmt.Errorf("collection %s: unknown distance %q", e.Name, e.Dense.Distance)
		}
		if e.Search, err = e.Search.Normalize(); err != nil {
			return fmt.Errorf("collection %s: %w", e.Name, err)
		}
		c.byKind[kind] = e
	}
	if c.DefaultKind == "" {
		c.DefaultKind = string(c.Kinds()[0])
	}
	def, err := domain.ParseKind(c.DefaultKind)
	if err != nil {
		return err
	}
	if _, ok := c.byKind[def]; !ok {
		return fmt.Errorf("default kind %s has no collection", def)
	}
	c.DefaultKind = string(def)
	return nil
}

// Kinds returns the configured kinds in sorted order.
func (c *Collections) Kinds() []domain.RecordKind {
	out := make([]domain.RecordKind, 0, len(c.byKind))
	for k := range c.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns the entry for kind.
func (c *Collections) Get(kind domain.RecordKind) (Collection, bool) {
	e, ok := c.byKind[kind]
	return e, ok
}

// Default returns the kind searched when a query names none.
func (c *Collections) Default() domain.RecordKind { return domain.RecordKind(c.DefaultKind) }

// ForSync maps every kind to its collection layout.
func (c *Collections) ForSync() map[domain.RecordKind]syncer.Collection {
	out := make(map[domain.RecordKind]syncer.Collection, len(c.byKind))
	for k, e := range c.byKind {
		out[k] = syncer.Collection{
			Name:   e.Name,
			Config: semantic.CollectionConfig{Dense: e.Dense, Sparse: e.Sparse},
		}
	}
	return out
}

// ForSearch maps every kind to its collection and fusion settings.
func (c *Collections) ForSearch() map[domain.RecordKind]search.Collection {
	out := make(map[domain.RecordKind]search.Collection, len(c.byKind))
	for k, e := range c.byKind {
		out[k] = search.Collection{Name: e.Name, Fusion: e.Search}
	}
	return out
}

// Names maps every kind to its collection name.
func (c *Collections) Names() map[domain.RecordKind]string {
	out := make(map[domain.RecordKind]string, len(c.byKind))
	for k, e := range c.byKind {
		out[k] = e.Name
	}
	return out
}
