// Package engine abstracts the AI coding CLIs behind one capability:
// build an argv to run or resume, and read the session id back out of the
// log. Adding an engine means adding one file here.
package engine

import (
	"fmt"
	"sort"

	"github.com/metyatech/agent-runner/internal/config"
)

// Kind names a concrete engine variant.
type Kind string

const (
	Codex       Kind = "codex"
	Copilot     Kind = "copilot"
	GeminiPro   Kind = "gemini-pro"
	GeminiFlash Kind = "gemini-flash"
	AmazonQ     Kind = "amazon-q"
	Claude      Kind = "claude"
)

// Service returns the limiter family the kind belongs to; the two Gemini
// models share one service so they cannot monopolize slots together.
func (k Kind) Service() string {
	switch k {
	case GeminiPro, GeminiFlash:
		return "gemini"
	default:
		return string(k)
	}
}

// ParseKind validates an engine name from config.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case Codex, Copilot, GeminiPro, GeminiFlash, AmazonQ, Claude:
		return Kind(name), nil
	default:
		return "", fmt.Errorf("unknown engine %q", name)
	}
}

// Invocation is a fully resolved child-process spec. Arguments are passed
// as an array, never through a shell, so issue titles and task text cannot
// be reinterpreted.
type Invocation struct {
	Command string
	Args    []string
	Env     map[string]string
	// Stdin, when non-empty, is written to the child and closed.
	Stdin string
}

// Engine is the per-CLI capability the runtime dispatches through.
type Engine interface {
	Kind() Kind
	// BuildInvocation produces the argv for a fresh run, or a resume when
	// resumeSessionID is non-empty.
	BuildInvocation(prompt, resumeSessionID string) Invocation
	// ExtractSessionID scans log output for the engine's session
	// identifier, empty when none was emitted.
	ExtractSessionID(log string) string
}

// Registry holds the enabled engines.
type Registry struct {
	engines map[Kind]Engine
}

// NewRegistry builds the registry from config, instantiating only enabled
// engines.
func NewRegistry(cfg config.EnginesConfig) *Registry {
	r := &Registry{engines: map[Kind]Engine{}}
	if cfg.Codex.Enabled {
		r.engines[Codex] = newCodex(cfg.Codex)
	}
	if cfg.Copilot.Enabled {
		r.engines[Copilot] = newCopilot(cfg.Copilot)
	}
	if cfg.GeminiPro.Enabled {
		r.engines[GeminiPro] = newGemini(GeminiPro, cfg.GeminiPro)
	}
	if cfg.GeminiFlash.Enabled {
		r.engines[GeminiFlash] = newGemini(GeminiFlash, cfg.GeminiFlash)
	}
	if cfg.AmazonQ.Enabled {
		r.engines[AmazonQ] = newAmazonQ(cfg.AmazonQ)
	}
	if cfg.Claude.Enabled {
		r.engines[Claude] = newClaude(cfg.Claude)
	}
	return r
}

// Get returns the engine for kind, or nil when disabled.
func (r *Registry) Get(kind Kind) Engine {
	return r.engines[kind]
}

// Kinds returns the enabled engine kinds in stable order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.engines))
	for k := range r.engines {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// GateFor returns the gate config for an engine kind.
func GateFor(cfg config.EnginesConfig, kind Kind) config.GateConfig {
	switch kind {
	case Codex:
		return cfg.Codex.Gate
	case Copilot:
		return cfg.Copilot.Gate
	case GeminiPro:
		return cfg.GeminiPro.Gate
	case GeminiFlash:
		return cfg.GeminiFlash.Gate
	case AmazonQ:
		return cfg.AmazonQ.Gate
	case Claude:
		return cfg.Claude.Gate
	default:
		return config.DefaultGateConfig()
	}
}
