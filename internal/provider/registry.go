package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultName is the provider selected for a fresh session.
const DefaultName = "DeepSeek"

// Registry is an ordered, read-only provider catalog.
type Registry struct {
	order     []string
	providers map[string]Provider
}

// Builtin returns the compiled-in catalog.
func Builtin() []Provider {
	return []Provider{
		{
			Name:          "DeepSeek",
			Kind:          KindNative,
			Backend:       BackendDeepSeek,
			DefaultModel:  "deepseek-chat",
			Models:        []string{"deepseek-chat", "deepseek-reasoner"},
			CredentialEnv: "DEEPSEEK_API_KEY",
		},
		{
			Name:          "Kimi",
			Kind:          KindOpenAICompatible,
			DefaultModel:  "moonshot-v1-8k",
			Models:        []string{"moonshot-v1-8k", "moonshot-v1-32k", "moonshot-v1-128k"},
			BaseURL:       "https://api.moonshot.cn/v1",
			CredentialEnv: "MOONSHOT_API_KEY",
		},
		{
			Name:          "MiniMax",
			Kind:          KindOpenAICompatible,
			DefaultModel:  "MiniMax-M2.5",
			Models:        []string{"MiniMax-M2.5"},
			BaseURL:       "https://api.minimaxi.com/v1",
			CredentialEnv: "MINIMAX_API_KEY",
		},
		{
			Name:          "Gemini",
			Kind:          KindNative,
			Backend:       BackendGemini,
			DefaultModel:  "gemini-2.5-flash",
			Models:        []string{"gemini-2.5-flash", "gemini-2.5-pro"},
			CredentialEnv: "GEMINI_API_KEY",
		},
	}
}

// NewRegistry validates providers and returns a registry preserving their order.
func NewRegistry(providers []Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.providers[p.Name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		p.Models = append([]string(nil), p.Models...)
		r.providers[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("provider catalog is empty")
	}
	return r, nil
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := NewRegistry(Builtin())
	if err != nil {
		panic("provider: invalid builtin catalog: " + err.Error())
	}
	return r
}

type catalogFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadFile reads a YAML catalog. An empty path returns the built-in registry.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse provider catalog %s: %w", path, err)
	}
	return NewRegistry(f.Providers)
}

// Lookup returns the provider with the given name.
func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns provider names in catalog order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// All returns the providers in catalog order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// DefaultProvider returns DefaultName if present, otherwise the first entry.
func (r *Registry) DefaultProvider() Provider {
	if p, ok := r.providers[DefaultName]; ok {
		return p
	}
	return r.providers[r.order[0]]
}
