// Package style provides the ordered catalog of rewriting styles.
package style

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed styles.yaml
var embeddedCatalog []byte

var errEmptyCatalog = errors.New("catalog has no styles")

// Style is a named rewriting mode.
type Style struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label" json:"label"`
	Helper string `yaml:"helper" json:"helper"`
}

// Catalog is an immutable, ordered set of styles.
type Catalog struct {
	styles []Style
	index  map[string]int
}

type catalogFile struct {
	Styles []Style `yaml:"styles"`
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := Parse(embeddedCatalog)
	if err != nil {
		panic("style: invalid embedded catalog: " + err.Error())
	}
	return c
})

// Default returns the built-in catalog: professional, casual, polite, social.
func Default() *Catalog {
	return defaultCatalog()
}

// Load reads a catalog from a YAML file. An empty path returns Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read style catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse style catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return New(f.Styles...)
}

// New builds a catalog from styles in the given order.
// IDs must be non-empty and unique; a missing label defaults to the ID.
func New(styles ...Style) (*Catalog, error) {
	if len(styles) == 0 {
		return nil, errEmptyCatalog
	}
	c := &Catalog{
		styles: make([]Style, 0, len(styles)),
		index:  make(map[string]int, len(styles)),
	}
	for i, s := range styles {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("style %d: id is required", i)
		}
		if _, dup := c.index[s.ID]; dup {
			return nil, fmt.Errorf("style %q: duplicate id", s.ID)
		}
		if s.Label == "" {
			s.Label = s.ID
		}
		c.index[s.ID] = len(c.styles)
		c.styles = append(c.styles, s)
	}
	return c, nil
}

// MustNew is like New but panics on error. Intended for tests and static tables.
func MustNew(styles ...Style) *Catalog {
	c, err := New(styles...)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of styles.
func (c *Catalog) Len() int {
	return len(c.styles)
}

// Styles returns a copy of the styles in catalog order.
func (c *Catalog) Styles() []Style {
	out := make([]Style, len(c.styles))
	copy(out, c.styles)
	return out
}

// IDs returns the style identifiers in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.styles))
	for i, s := range c.styles {
		ids[i] = s.ID
	}
	return ids
}

// Index returns the catalog position of id.
func (c *Catalog) Index(id string) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// At returns the style at position i.
func (c *Catalog) At(i int) Style {
	return c.styles[i]
}

// Lookup returns the style with the given id.
func (c *Catalog) Lookup(id string) (Style, bool) {
	i, ok := c.index[id]
	if !ok {
		return Style{}, false
	}
	return c.styles[i], true
}
