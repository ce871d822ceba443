package category

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fallback is the category used when no keyword rule matches.
const Fallback = "other"

// Category is a valid expense category.
type Category struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
}

// Registry holds the known categories in match order.
type Registry struct {
	categories []Category
	byID       map[string]int
}

// Default returns the built-in travel expense categories.
func Default() *Registry {
	r, err := New([]Category{
		{ID: "meals", Name: "Meals & Dining", Keywords: []string{"restaurant", "cafe", "starbucks", "mcdonald"}},
		{ID: "transport", Name: "Transportation", Keywords: []string{"gas", "shell", "exxon", "uber"}},
		{ID: "accommodation", Name: "Accommodation", Keywords: []string{"hotel", "hilton", "marriott"}},
		{ID: "entertainment", Name: "Entertainment"},
		{ID: "shopping", Name: "Shopping"},
		{ID: "health", Name: "Health & Medical"},
		{ID: "business", Name: "Business Expenses"},
		{ID: Fallback, Name: "Other"},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// New builds a registry. The fallback category is appended when missing.
func New(categories []Category) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(categories)+1)}
	for _, c := range categories {
		id := strings.ToLower(strings.TrimSpace(c.ID))
		if id == "" {
			return nil, fmt.Errorf("category %q has no id", c.Name)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate category id: %s", id)
		}
		keywords := make([]string, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				keywords = append(keywords, k)
			}
		}
		name := c.Name
		if name == "" {
			name = id
		}
		r.byID[id] = len(r.categories)
		r.categories = append(r.categories, Category{ID: id, Name: name, Keywords: keywords})
	}
	if _, ok := r.byID[Fallback]; !ok {
		r.byID[Fallback] = len(r.categories)
		r.categories = append(r.categories, Category{ID: Fallback, Name: "Other"})
	}
	return r, nil
}

type fileConfig struct {
	Categories []Category `yaml:"categories"`
}

// LoadFile reads a YAML category file of the form
//
//	categories:
//	  - id: meals
//	    name: Meals & Dining
//	    keywords: [restaurant, cafe]
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading category file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing category file: %w", err)
	}
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("category file %s defines no categories", path)
	}
	return New(cfg.Categories)
}

// Valid reports whether id names a known category.
func (r *Registry) Valid(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Get returns the category with the given id.
func (r *Registry) Get(id string) (Category, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Category{}, false
	}
	return r.categories[i], true
}

// All returns the categories in match order.
func (r *Registry) All() []Category {
	out := make([]Category, len(r.categories))
	copy(out, r.categories)
	return out
}

// Match returns the first category whose keywords appear in text, or Fallback.
func (r *Registry) Match(text string) string {
	lower := strings.ToLower(text)
	if lower == "" {
		return Fallback
	}
	for _, c := range r.categories {
		for _, k := range c.Keywords {
			if strings.Contains(lower, k) {
				return c.ID
			}
		}
	}
	return Fallback
}
