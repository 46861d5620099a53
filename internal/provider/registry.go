package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/theirongolddev/cdispatch/internal/config"
)

// Factory builds a provider of one kind from its config entry.
type Factory func(name string, cfg config.ProviderConfig) Provider

// Built-in provider kinds, in registration order.
const (
	KindClaude = "claude"
	KindCodex  = "codex"
	KindGemini = "gemini"
	KindCustom = "custom"
)

var builtins = []string{KindClaude, KindCodex, KindGemini}

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		KindClaude: NewClaude,
		KindCodex:  NewCodex,
		KindGemini: NewGemini,
		KindCustom: NewCustom,
	}
)

// RegisterKind adds or replaces the factory for a provider kind, so new
// variants can be configured with `kind = "<kind>"`.
func RegisterKind(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = f
}

func lookupFactory(kind string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[kind]
	return f, ok
}

// Registry holds the providers of one configuration snapshot in
// registration order.
type Registry struct {
	order  []string
	byName map[string]Provider
}

// NewRegistry registers the built-in providers followed by any additional
// providers from cfg, sorted by name.
func NewRegistry(cfg config.Config) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider)}

	for _, name := range builtins {
		pc := cfg.Provider(name)
		kind := pc.Kind
		if kind == "" {
			kind = name
		}
		if err := r.build(name, kind, pc); err != nil {
			return nil, err
		}
	}

	extra := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		if _, ok := r.byName[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		pc := cfg.Providers[name]
		kind := pc.Kind
		if kind == "" {
			kind = KindCustom
		}
		if err := r.build(name, kind, pc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) build(name, kind string, pc config.ProviderConfig) error {
	f, ok := lookupFactory(kind)
	if !ok {
		return fmt.Errorf("provider %q: unknown kind %q", name, kind)
	}
	return r.Add(f(name, pc))
}

// Add registers p after the existing providers.
func (r *Registry) Add(p Provider) error {
	if _, ok := r.byName[p.Name()]; ok {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p
	r.order = append(r.order, p.Name())
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns providers in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// NewRegistryOf builds a registry from explicit providers, in order.
func NewRegistryOf(providers ...Provider) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}
