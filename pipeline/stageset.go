package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/textmill/stages"
)

// FullSet is the name of the built-in set that runs every registered stage.
const FullSet = "full"

var (
	// ErrUnknownStageSet is returned when a job names a set nobody declared.
	ErrUnknownStageSet = errors.New("pipeline: unknown stage set")
	// ErrReservedStageSet is returned when a declared set reuses a built-in
	// key: full@v1 or <stage>@v1.
	ErrReservedStageSet = errors.New("pipeline: stage set key is reserved")
)

// StageSet is a named, versioned list of stages. Once published a version's
// stage list never changes; a different list gets a new version.
//
// full@v1 and <stage>@v1 for every registered stage are built in. A declared
// set reusing one of those names starts at version 2.
type StageSet struct {
	Name    string   `json:"name" yaml:"name"`
	Version int      `json:"version" yaml:"version"`
	Stages  []string `json:"stages" yaml:"stages"`
}

// Key is the identifier stored on documents, e.g. "full@v1".
func (s StageSet) Key() string {
	return s.Name + "@v" + strconv.Itoa(s.Version)
}

// ParseKey splits "name@vN".
func ParseKey(key string) (name string, version int, err error) {
	name, v, ok := strings.Cut(key, "@v")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("%w: %q is not name@vN", ErrUnknownStageSet, key)
	}
	version, err = strconv.Atoi(v)
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("%w: %q has a bad version", ErrUnknownStageSet, key)
	}
	return name, version, nil
}

// Catalog resolves stage set keys. It is built once at startup and is
// read-only afterwards.
type Catalog struct {
	sets  map[string]StageSet
	order []string
	def   string
}

// NewCatalog registers full@v1 and one single-stage set per registered
// stage ("sentiment_analysis@v1"), then the extra sets. defaultKey names the
// set used when a submission does not pick one; empty means full@v1.
func NewCatalog(reg *stages.Registry, extra []StageSet, defaultKey string) (*Catalog, error) {
	c := &Catalog{sets: make(map[string]StageSet)}

	names := reg.Names()
	builtin := []StageSet{{Name: FullSet, Version: 1, Stages: names}}
	for _, n := range names {
		builtin = append(builtin, StageSet{Name: n, Version: 1, Stages: []string{n}})
	}
	for _, s := range builtin {
		if err := c.add(reg, s); err != nil {
			return nil, err
		}
	}
	for _, s := range extra {
		if _, ok := c.sets[s.Key()]; ok {
			return nil, fmt.Errorf("%w: %s is built in, declare version 2 or another name", ErrReservedStageSet, s.Key())
		}
		if err := c.add(reg, s); err != nil {
			return nil, err
		}
	}

	if defaultKey == "" {
		defaultKey = StageSet{Name: FullSet, Version: 1}.Key()
	}
	if _, ok := c.sets[defaultKey]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownStageSet, defaultKey)
	}
	c.def = defaultKey
	return c, nil
}

func (c *Catalog) add(reg *stages.Registry, s StageSet) error {
	if s.Name == "" || strings.Contains(s.Name, "@") {
		return fmt.Errorf("pipeline: stage set name %q is invalid", s.Name)
	}
	if s.Version < 1 {
		return fmt.Errorf("pipeline: stage set %s: version must be >= 1", s.Name)
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("pipeline: stage set %s has no stages", s.Key())
	}
	seen := make(map[string]bool, len(s.Stages))
	for _, n := range s.Stages {
		if _, ok := reg.Get(n); !ok {
			return fmt.Errorf("pipeline: stage set %s: %w: %q", s.Key(), stages.ErrUnknown, n)
		}
		if seen[n] {
			return fmt.Errorf("pipeline: stage set %s lists %q twice", s.Key(), n)
		}
		seen[n] = true
	}
	key := s.Key()
	if _, ok := c.sets[key]; ok {
		return fmt.Errorf("pipeline: stage set %s declared twice", key)
	}
	s.Stages = append([]string(nil), s.Stages...)
	c.sets[key] = s
	c.order = append(c.order, key)
	return nil
}

// Resolve returns the set for key. An empty key resolves to the default.
func (c *Catalog) Resolve(key string) (StageSet, error) {
	if key == "" {
		key = c.def
	}
	s, ok := c.sets[key]
	if !ok {
		if _, _, err := ParseKey(key); err != nil {
			return StageSet{}, err
		}
		return StageSet{}, fmt.Errorf("%w: %q", ErrUnknownStageSet, key)
	}
	return s, nil
}

// Default returns the key used for submissions that do not name a set.
func (c *Catalog) Default() string { return c.def }

// List returns every set in declaration order.
func (c *Catalog) List() []StageSet {
	out := make([]StageSet, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.sets[k])
	}
	return out
}
