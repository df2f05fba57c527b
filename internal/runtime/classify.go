package runtime

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/prompt"
)

// Kind is the classified outcome of one run.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindQuota          Kind = "quota"
	KindNeedsUserReply Kind = "needs_user_reply"
	KindExecutionError Kind = "execution_error"
)

// Stage locates an execution error relative to session creation. An error
// after the engine produced a session id is retryable against that session.
type Stage string

const (
	StageBeforeSession Stage = "before_session"
	StageAfterSession  Stage = "after_session"
)

// Result is the structured outcome of a run.
type Result struct {
	Kind      Kind
	Stage     Stage // execution_error only
	SessionID string
	Summary   string
	Detail    string
	ExitCode  int
	LogPath   string
	PID       int
	// ResumeAt is when quota is expected back, zero when unknown.
	ResumeAt time.Time
}

// Retryable reports whether the failure should be retried immediately
// against the same session.
func (r *Result) Retryable() bool {
	return r.Kind == KindExecutionError && r.Stage == StageAfterSession && r.SessionID != ""
}

var quotaPatterns = []string{
	"rate limit",
	"usage limit",
	"quota",
	"out of credits",
	"limit reached",
	"too many requests",
	"429",
}

// Classify derives a Result from exit code and log contents.
func Classify(eng engine.Engine, exitCode int, logText string, now time.Time) *Result {
	res := &Result{
		ExitCode:  exitCode,
		SessionID: eng.ExtractSessionID(logText),
		Summary:   ExtractSummary(logText),
	}

	if strings.Contains(logText, prompt.NeedsUserReplyMarker) {
		res.Kind = KindNeedsUserReply
		return res
	}

	if exitCode == 0 {
		res.Kind = KindSuccess
		return res
	}

	if isQuotaFailure(logText) {
		res.Kind = KindQuota
		res.ResumeAt = parseResumeAt(logText, now)
		return res
	}

	res.Kind = KindExecutionError
	if res.SessionID != "" {
		res.Stage = StageAfterSession
	} else {
		res.Stage = StageBeforeSession
	}
	res.Detail = lastLines(logText, 5)
	return res
}

// ExtractSummary returns the content of the last summary block, empty when
// none was emitted.
func ExtractSummary(logText string) string {
	start := strings.LastIndex(logText, prompt.SummaryStart)
	if start < 0 {
		return ""
	}
	rest := logText[start+len(prompt.SummaryStart):]
	end := strings.Index(rest, prompt.SummaryEnd)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func isQuotaFailure(logText string) bool {
	lower := strings.ToLower(logText)
	for _, p := range quotaPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var (
	resumeAtRe = regexp.MustCompile(`(?i)(?:try again|resets?|available)\s+(?:at|after)\s+(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:\d{2})?)`)
	resumeInRe = regexp.MustCompile(`(?i)(?:try again|resets?|available)\s+in\s+(?:(\d+)\s*h(?:ours?)?)?\s*(?:(\d+)\s*m(?:in(?:utes?)?)?)?`)
)

// defaultQuotaBackoff applies when the engine reports quota exhaustion
// without a usable reset time.
const defaultQuotaBackoff = time.Hour

// parseResumeAt pulls a resume time out of the engine's quota message.
func parseResumeAt(logText string, now time.Time) time.Time {
	if m := resumeAtRe.FindStringSubmatch(logText); m != nil {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
			if t, err := time.Parse(layout, m[1]); err == nil {
				return t
			}
		}
	}
	if m := resumeInRe.FindStringSubmatch(logText); m != nil && (m[1] != "" || m[2] != "") {
		hours, _ := strconv.Atoi(m[1])
		minutes, _ := strconv.Atoi(m[2])
		if d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute; d > 0 {
			return now.Add(d)
		}
	}
	return now.Add(defaultQuotaBackoff)
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
