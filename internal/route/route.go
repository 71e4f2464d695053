// Package route holds the ordered model candidate lists the orchestrator
// walks when a backend call fails.
package route

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var ErrUnknownRoute = errors.New("unknown route")

// Candidates is an ordered fallback list of model identifiers, most
// preferred first. Duplicates are allowed.
type Candidates []string

const (
	Short    = "short"
	Stream   = "stream"
	JSON     = "json"
	Longform = "longform"
)

var defaultChain = Candidates{
	"models/gemini-2.5-pro",
	"models/gemini-2.5-flash",
	"models/gemini-1.5-pro-latest",
}

var presets = map[string]Candidates{
	Short:    defaultChain,
	Stream:   defaultChain,
	JSON:     defaultChain,
	Longform: defaultChain,
}

// Preset returns a copy of the named candidate list.
func Preset(name string) (Candidates, error) {
	c, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, name)
	}
	return slices.Clone(c), nil
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NormalizeModel adds the "models/" prefix Gemini model names carry in
// candidate lists. Other names pass through.
func NormalizeModel(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "gemini") {
		return "models/" + name
	}
	return name
}

func Normalize(c Candidates) Candidates {
	out := make(Candidates, 0, len(c))
	for _, m := range c {
		if m = NormalizeModel(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Flagship narrows c to its most preferred model.
func (c Candidates) Flagship() Candidates {
	if len(c) == 0 {
		return nil
	}
	return Candidates{c[0]}
}

// Router holds the process-wide default candidate list. Requests read a
// snapshot; SwitchRoute replaces the list in one step.
type Router struct {
	mu         sync.RWMutex
	name       string
	candidates Candidates
}

func NewRouter(name string) (*Router, error) {
	c, err := Preset(name)
	if err != nil {
		return nil, err
	}
	return &Router{name: name, candidates: c}, nil
}

func (r *Router) SwitchRoute(name string) error {
	c, err := Preset(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.name, r.candidates = name, c
	r.mu.Unlock()
	return nil
}

func (r *Router) Candidates() Candidates {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.candidates)
}

func (r *Router) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}
