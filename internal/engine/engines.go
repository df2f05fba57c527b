package engine

import (
	"regexp"

	"github.com/metyatech/agent-runner/internal/config"
)

// base carries the common config-derived fields.
type base struct {
	kind      Kind
	binary    string
	model     string
	extraArgs []string
	sessionRe *regexp.Regexp
}

func (b base) Kind() Kind { return b.kind }

func (b base) ExtractSessionID(log string) string {
	if b.sessionRe == nil {
		return ""
	}
	matches := b.sessionRe.FindAllStringSubmatch(log, -1)
	if len(matches) == 0 {
		return ""
	}
	// The last match wins: a resumed run logs the old id before the new.
	last := matches[len(matches)-1]
	if len(last) < 2 {
		return ""
	}
	return last[1]
}

const uuidPattern = `([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`

type codexEngine struct{ base }

func newCodex(cfg config.EngineConfig) Engine {
	return codexEngine{base{
		kind:      Codex,
		binary:    orDefault(cfg.Binary, "codex"),
		model:     cfg.Model,
		extraArgs: cfg.ExtraArgs,
		// codex prints `session id: <uuid>` and writes `"session_id"` in
		// its JSON event stream.
		sessionRe: regexp.MustCompile(`(?i)session[_ ]?id["':\s]+` + uuidPattern),
	}}
}

func (e codexEngine) BuildInvocation(prompt, resumeSessionID string) Invocation {
	args := []string{"exec", "--json", "--sandbox", "workspace-write", "--skip-git-repo-check"}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}
	args = append(args, e.extraArgs...)
	if resumeSessionID != "" {
		args = append(args, "resume", resumeSessionID)
	}
	// Prompt goes through stdin ("-") so long bodies never hit argv limits.
	args = append(args, "-")
	return Invocation{Command: e.binary, Args: args, Stdin: prompt}
}

type copilotEngine struct{ base }

func newCopilot(cfg config.EngineConfig) Engine {
	return copilotEngine{base{
		kind:      Copilot,
		binary:    orDefault(cfg.Binary, "copilot"),
		model:     cfg.Model,
		extraArgs: cfg.ExtraArgs,
		sessionRe: regexp.MustCompile(`(?i)session[_ ]?id["':\s]+` + uuidPattern),
	}}
}

func (e copilotEngine) BuildInvocation(prompt, resumeSessionID string) Invocation {
	args := []string{"--allow-all-tools", "--no-color"}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}
	args = append(args, e.extraArgs...)
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	args = append(args, "-p", prompt)
	return Invocation{Command: e.binary, Args: args}
}

type geminiEngine struct{ base }

func newGemini(kind Kind, cfg config.EngineConfig) Engine {
	model := cfg.Model
	if model == "" {
		if kind == GeminiFlash {
			model = "gemini-2.5-flash"
		} else {
			model = "gemini-2.5-pro"
		}
	}
	return geminiEngine{base{
		kind:      kind,
		binary:    orDefault(cfg.Binary, "gemini"),
		model:     model,
		extraArgs: cfg.ExtraArgs,
		sessionRe: regexp.MustCompile(`(?i)"?session_?id"?[:\s]+"?` + uuidPattern),
	}}
}

func (e geminiEngine) BuildInvocation(prompt, resumeSessionID string) Invocation {
	args := []string{"--model", e.model, "--yolo"}
	args = append(args, e.extraArgs...)
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	args = append(args, "--prompt", prompt)
	return Invocation{Command: e.binary, Args: args}
}

// Model returns the configured gemini model; used for warm-up bookkeeping.
func (e geminiEngine) Model() string { return e.model }

type amazonQEngine struct{ base }

func newAmazonQ(cfg config.EngineConfig) Engine {
	return amazonQEngine{base{
		kind:      AmazonQ,
		binary:    orDefault(cfg.Binary, "q"),
		extraArgs: cfg.ExtraArgs,
		sessionRe: regexp.MustCompile(`(?i)conversation[_ ]?id["':\s]+` + uuidPattern),
	}}
}

func (e amazonQEngine) BuildInvocation(prompt, resumeSessionID string) Invocation {
	args := []string{"chat", "--no-interactive", "--trust-all-tools"}
	args = append(args, e.extraArgs...)
	if resumeSessionID != "" {
		args = append(args, "--resume")
	}
	args = append(args, prompt)
	return Invocation{Command: e.binary, Args: args}
}

type claudeEngine struct{ base }

func newClaude(cfg config.EngineConfig) Engine {
	return claudeEngine{base{
		kind:      Claude,
		binary:    orDefault(cfg.Binary, "claude"),
		model:     cfg.Model,
		extraArgs: cfg.ExtraArgs,
		sessionRe: regexp.MustCompile(`"session_id"\s*:\s*"` + uuidPattern + `"`),
	}}
}

func (e claudeEngine) BuildInvocation(prompt, resumeSessionID string) Invocation {
	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}
	args = append(args, e.extraArgs...)
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return Invocation{Command: e.binary, Args: args, Stdin: prompt}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
