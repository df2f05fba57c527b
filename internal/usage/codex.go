package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/httpclient"
	"github.com/metyatech/agent-runner/internal/logging"
)

// CodexFetcher reads Codex quota state. It prefers the rate-limit entries
// the CLI appends to its local session JSONL files; when no recent entry
// exists it falls back to the backend usage endpoint, authenticated with
// the OAuth access token the CLI persists in auth.json.
type CodexFetcher struct {
	// SessionsDir is where the CLI writes rollout JSONL files,
	// default ~/.codex/sessions.
	SessionsDir string
	// AuthPath is the persisted OAuth credential file, default
	// ~/.codex/auth.json.
	AuthPath string
	// BaseURL of the usage backend.
	BaseURL string
	HTTP    *http.Client
	Logger  logging.Logger
}

const (
	codexSessionMaxAge = 7 * 24 * time.Hour
	codexUsagePath     = "/wham/usage"
	maxUsageBody       = 1 << 20
)

// NewCodexFetcher builds a fetcher with the CLI's default paths.
func NewCodexFetcher(httpClient *http.Client, logger logging.Logger) *CodexFetcher {
	home, _ := os.UserHomeDir()
	return &CodexFetcher{
		SessionsDir: filepath.Join(home, ".codex", "sessions"),
		AuthPath:    filepath.Join(home, ".codex", "auth.json"),
		BaseURL:     "https://chatgpt.com/backend-api",
		HTTP:        httpClient,
		Logger:      logging.OrNop(logger),
	}
}

// codexRateLimitLine is the rate-limit shape found in session JSONL events
// and in the backend response.
type codexRateLimitLine struct {
	Timestamp string `json:"timestamp"`
	Payload   struct {
		RateLimits *codexRateLimits `json:"rate_limits"`
	} `json:"payload"`
	RateLimits *codexRateLimits `json:"rate_limits"`
}

type codexRateLimits struct {
	Primary   *codexRateWindow `json:"primary"`
	Secondary *codexRateWindow `json:"secondary"`
}

type codexRateWindow struct {
	UsedPercent    float64 `json:"used_percent"`
	WindowMinutes  int     `json:"window_minutes"`
	ResetsInSecond int64   `json:"resets_in_seconds"`
}

// Fetch implements the Codex adapter.
func (f *CodexFetcher) Fetch(ctx context.Context) (Status, error) {
	if status, ok := f.fromSessions(time.Now()); ok {
		return status, nil
	}
	return f.fromBackend(ctx)
}

// fromSessions scans JSONL files of the last 7 days, newest first, and
// returns the freshest rate-limit entry found.
func (f *CodexFetcher) fromSessions(now time.Time) (Status, bool) {
	var files []string
	cutoff := now.Add(-codexSessionMaxAge)
	_ = filepath.WalkDir(f.SessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if len(files) == 0 {
		return Status{}, false
	}

	sort.Slice(files, func(i, j int) bool {
		infoI, _ := os.Stat(files[i])
		infoJ, _ := os.Stat(files[j])
		if infoI == nil || infoJ == nil {
			return files[i] > files[j]
		}
		return infoI.ModTime().After(infoJ.ModTime())
	})

	for _, path := range files {
		if limits, at, ok := lastRateLimitEntry(path); ok {
			f.Logger.Debug("codex usage from session log %s (entry at %s)", filepath.Base(path), at.Format(time.RFC3339))
			return limitsToStatus(now, limits), true
		}
	}
	return Status{}, false
}

// lastRateLimitEntry returns the final rate_limits event of one JSONL file.
func lastRateLimitEntry(path string) (*codexRateLimits, time.Time, bool) {
	file, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, false
	}
	defer func() { _ = file.Close() }()

	var (
		found *codexRateLimits
		at    time.Time
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !strings.Contains(string(line), "rate_limits") {
			continue
		}
		var entry codexRateLimitLine
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		limits := entry.Payload.RateLimits
		if limits == nil {
			limits = entry.RateLimits
		}
		if limits == nil || (limits.Primary == nil && limits.Secondary == nil) {
			continue
		}
		found = limits
		if ts, err := time.Parse(time.RFC3339, entry.Timestamp); err == nil {
			at = ts
		}
	}
	return found, at, found != nil
}

// fromBackend queries the usage endpoint with the persisted OAuth token.
func (f *CodexFetcher) fromBackend(ctx context.Context) (Status, error) {
	token, err := f.accessToken()
	if err != nil {
		return Status{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+codexUsagePath, nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("codex usage query: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("codex usage query: status %d", resp.StatusCode)
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, maxUsageBody)
	if err != nil {
		return Status{}, err
	}

	var payload struct {
		RateLimits *codexRateLimits `json:"rate_limits"`
	}
	if err := decodeLenient(body, &payload); err != nil {
		return Status{}, fmt.Errorf("codex usage payload: %w", err)
	}
	if payload.RateLimits == nil {
		return Status{}, fmt.Errorf("codex usage payload missing rate_limits")
	}
	return limitsToStatus(time.Now(), payload.RateLimits), nil
}

// accessToken pulls the OAuth access token out of the CLI's auth.json.
func (f *CodexFetcher) accessToken() (string, error) {
	data, err := os.ReadFile(f.AuthPath)
	if err != nil {
		return "", fmt.Errorf("codex auth file: %w", err)
	}
	var auth struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &auth); err != nil {
		return "", fmt.Errorf("codex auth file: %w", err)
	}
	token := auth.Tokens.AccessToken
	if token == "" {
		token = auth.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("codex auth file has no access token")
	}
	return token, nil
}

// limitsToStatus maps the primary (short) and secondary (weekly) windows.
func limitsToStatus(now time.Time, limits *codexRateLimits) Status {
	var windows []Window
	if limits.Primary != nil {
		windows = append(windows, codexWindow(now, limits.Primary))
	}
	if limits.Secondary != nil {
		windows = append(windows, codexWindow(now, limits.Secondary))
	}
	return Pair(windows...)
}

func codexWindow(now time.Time, w *codexRateWindow) Window {
	var resetAt time.Time
	if w.ResetsInSecond > 0 {
		resetAt = now.Add(time.Duration(w.ResetsInSecond) * time.Second)
	}
	return NewWindow(now, w.UsedPercent, resetAt, time.Duration(w.WindowMinutes)*time.Minute)
}
