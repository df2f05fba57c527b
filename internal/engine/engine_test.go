package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
)

func enabledEngines() config.EnginesConfig {
	cfg := config.DefaultConfig().Engines
	cfg.Codex.Enabled = true
	cfg.Copilot.Enabled = true
	cfg.GeminiPro.Enabled = true
	cfg.GeminiFlash.Enabled = true
	cfg.AmazonQ.Enabled = true
	cfg.Claude.Enabled = true
	return cfg
}

func TestRegistryOnlyEnabledEngines(t *testing.T) {
	cfg := config.DefaultConfig().Engines // only codex enabled by default
	r := NewRegistry(cfg)
	assert.Equal(t, []Kind{Codex}, r.Kinds())
	assert.NotNil(t, r.Get(Codex))
	assert.Nil(t, r.Get(Claude))
}

func TestServiceRouting(t *testing.T) {
	assert.Equal(t, "gemini", GeminiPro.Service())
	assert.Equal(t, "gemini", GeminiFlash.Service())
	assert.Equal(t, "codex", Codex.Service())
	assert.Equal(t, "amazon-q", AmazonQ.Service())
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("gemini-flash")
	require.NoError(t, err)
	assert.Equal(t, GeminiFlash, kind)

	_, err = ParseKind("gpt-x")
	assert.Error(t, err)
}

func TestCodexInvocationFreshAndResume(t *testing.T) {
	r := NewRegistry(enabledEngines())
	codex := r.Get(Codex)

	fresh := codex.BuildInvocation("do the thing", "")
	assert.Equal(t, "codex", fresh.Command)
	assert.Contains(t, fresh.Args, "exec")
	assert.NotContains(t, fresh.Args, "resume")
	assert.Equal(t, "do the thing", fresh.Stdin, "prompt travels via stdin")

	resume := codex.BuildInvocation("continue", "abc-123")
	assert.Contains(t, resume.Args, "resume")
	assert.Contains(t, resume.Args, "abc-123")
}

func TestPromptNeverShellInterpreted(t *testing.T) {
	r := NewRegistry(enabledEngines())
	hostile := `title"; rm -rf / #`

	for _, kind := range r.Kinds() {
		inv := r.Get(kind).BuildInvocation(hostile, "")
		// The hostile text must appear verbatim as one argv element or on
		// stdin, never concatenated into a shell string.
		if inv.Stdin != "" {
			assert.Equal(t, hostile, inv.Stdin, string(kind))
			continue
		}
		assert.Contains(t, inv.Args, hostile, string(kind))
	}
}

func TestExtractSessionID(t *testing.T) {
	r := NewRegistry(enabledEngines())
	const uuid = "0195c9a8-1111-7abc-8def-0123456789ab"

	tests := []struct {
		kind Kind
		log  string
	}{
		{Codex, "banner\nsession id: " + uuid + "\nwork..."},
		{Codex, `{"type":"session.created","session_id":"` + uuid + `"}`},
		{Claude, `{"session_id":"` + uuid + `","type":"system"}`},
		{Copilot, "Session ID: " + uuid},
		{GeminiPro, `sessionId: ` + uuid},
		{AmazonQ, "conversation_id: " + uuid},
	}
	for _, tt := range tests {
		got := r.Get(tt.kind).ExtractSessionID(tt.log)
		assert.Equal(t, uuid, got, string(tt.kind))
	}

	assert.Empty(t, r.Get(Codex).ExtractSessionID("no ids here"))
}

func TestExtractSessionIDLastWins(t *testing.T) {
	r := NewRegistry(enabledEngines())
	log := `{"session_id":"11111111-1111-1111-1111-111111111111"}` + "\n" +
		`{"session_id":"22222222-2222-2222-2222-222222222222"}`
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", r.Get(Claude).ExtractSessionID(log))
}
