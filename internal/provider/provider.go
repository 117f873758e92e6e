// Package provider holds the static catalog of LLM providers.
package provider

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Kind is the endpoint family of a provider.
type Kind string

const (
	// KindNative binds credential and model id to a provider-specific client.
	KindNative Kind = "native-chat"
	// KindOpenAICompatible speaks the OpenAI chat-completions protocol at BaseURL.
	KindOpenAICompatible Kind = "openai-compatible"
)

// Native backends.
const (
	BackendDeepSeek = "deepseek"
	BackendGemini   = "gemini"
)

// ErrUnknownProvider is returned when a provider name is not in the catalog.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider describes one LLM vendor.
type Provider struct {
	Name          string   `json:"name" yaml:"name"`
	Kind          Kind     `json:"kind" yaml:"kind"`
	Backend       string   `json:"backend,omitempty" yaml:"backend,omitempty"`
	DefaultModel  string   `json:"default_model" yaml:"default_model"`
	Models        []string `json:"models" yaml:"models"`
	BaseURL       string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	CredentialEnv string   `json:"credential_env" yaml:"credential_env"`
}

// ResolveBaseURL returns the endpoint a client should use. Native providers
// have no configurable endpoint and always return "".
func (p Provider) ResolveBaseURL(override string) string {
	if p.Kind != KindOpenAICompatible {
		return ""
	}
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	return p.BaseURL
}

// CredentialFromEnv returns the credential suggested by the environment.
func (p Provider) CredentialFromEnv() string {
	if p.CredentialEnv == "" {
		return ""
	}
	return os.Getenv(p.CredentialEnv)
}

// AllowsModel reports whether id is one of the listed models.
func (p Provider) AllowsModel(id string) bool {
	return slices.Contains(p.Models, id)
}

// Validate checks catalog invariants for a single provider.
func (p Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	switch p.Kind {
	case KindOpenAICompatible:
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required for %s", p.Name, p.Kind)
		}
	case KindNative:
		if p.BaseURL != "" {
			return fmt.Errorf("provider %s: base_url must be empty for %s", p.Name, p.Kind)
		}
		if p.Backend != BackendDeepSeek && p.Backend != BackendGemini {
			return fmt.Errorf("provider %s: unsupported native backend %q", p.Name, p.Backend)
		}
	default:
		return fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model is required", p.Name)
	}
	if p.DefaultModel == "" {
		return fmt.Errorf("provider %s: default_model is required", p.Name)
	}
	return nil
}
