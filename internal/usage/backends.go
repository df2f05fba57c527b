package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/metyatech/agent-runner/internal/httpclient"
	"github.com/metyatech/agent-runner/internal/logging"
)

// Fetcher reads one engine's quota state.
type Fetcher interface {
	Fetch(ctx context.Context) (Status, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Status, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) (Status, error) { return f(ctx) }

// decodeLenient unmarshals JSON, repairing almost-JSON first when strict
// parsing fails. Some engine CLIs print their usage payload with trailing
// log noise or unquoted keys.
func decodeLenient(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return fmt.Errorf("unparseable payload: %w", err)
	}
	return json.Unmarshal([]byte(repaired), v)
}

func getJSON(ctx context.Context, client *http.Client, url, bearer string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	body, err := httpclient.ReadAllWithLimit(resp.Body, maxUsageBody)
	if err != nil {
		return err
	}
	return decodeLenient(body, v)
}

// ClaudeFetcher reads the Claude subscription usage payload: a five-hour
// utilization window plus a seven-day one.
type ClaudeFetcher struct {
	URL    string
	Token  func() (string, error)
	HTTP   *http.Client
	Logger logging.Logger
}

type claudeUsagePayload struct {
	FiveHour *claudeUsageWindow `json:"five_hour"`
	SevenDay *claudeUsageWindow `json:"seven_day"`
}

type claudeUsageWindow struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

// Fetch implements the Claude adapter.
func (f *ClaudeFetcher) Fetch(ctx context.Context) (Status, error) {
	token := ""
	if f.Token != nil {
		t, err := f.Token()
		if err != nil {
			return Status{}, err
		}
		token = t
	}

	var payload claudeUsagePayload
	if err := getJSON(ctx, f.HTTP, f.URL, token, &payload); err != nil {
		return Status{}, fmt.Errorf("claude usage: %w", err)
	}

	now := time.Now()
	var windows []Window
	if payload.FiveHour != nil {
		windows = append(windows, NewWindow(now, payload.FiveHour.Utilization, parseReset(payload.FiveHour.ResetsAt), 5*time.Hour))
	}
	if payload.SevenDay != nil {
		windows = append(windows, NewWindow(now, payload.SevenDay.Utilization, parseReset(payload.SevenDay.ResetsAt), 7*24*time.Hour))
	}
	if len(windows) == 0 {
		return Status{}, fmt.Errorf("claude usage: payload has no windows")
	}
	return Pair(windows...), nil
}

// CopilotFetcher reads the premium-interaction quota snapshot from the
// Copilot internal API. The quota is monthly, so only a long window exists.
type CopilotFetcher struct {
	URL    string
	Token  func() (string, error)
	HTTP   *http.Client
	Logger logging.Logger
}

type copilotUsagePayload struct {
	QuotaSnapshots struct {
		PremiumInteractions struct {
			PercentRemaining float64 `json:"percent_remaining"`
			Unlimited        bool    `json:"unlimited"`
		} `json:"premium_interactions"`
	} `json:"quota_snapshots"`
	QuotaResetDate string `json:"quota_reset_date"` // YYYY-MM-DD
}

// Fetch implements the Copilot adapter.
func (f *CopilotFetcher) Fetch(ctx context.Context) (Status, error) {
	token := ""
	if f.Token != nil {
		t, err := f.Token()
		if err != nil {
			return Status{}, err
		}
		token = t
	}

	var payload copilotUsagePayload
	if err := getJSON(ctx, f.HTTP, f.URL, token, &payload); err != nil {
		return Status{}, fmt.Errorf("copilot usage: %w", err)
	}

	now := time.Now()
	premium := payload.QuotaSnapshots.PremiumInteractions
	percentLeft := premium.PercentRemaining
	if premium.Unlimited {
		percentLeft = 100
	}

	resetAt := parseReset(payload.QuotaResetDate)
	if resetAt.IsZero() {
		// First of next month, UTC.
		resetAt = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	long := NewWindow(now, 100-percentLeft, resetAt, 30*24*time.Hour)
	return Status{Long: &long}, nil
}

// GeminiFetcher reads the per-model quota payload exposed by the Gemini
// CLI credentials backend: daily request quotas per model.
type GeminiFetcher struct {
	URL   string
	Model string
	Token func() (string, error)
	// ClientID/ClientSecret identify the OAuth client for token refresh;
	// sent as headers the quota endpoint expects.
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
	Logger       logging.Logger
}

type geminiUsagePayload struct {
	Buckets []struct {
		Model        string  `json:"model"`
		UsedPercent  float64 `json:"used_percent"`
		ResetsAt     string  `json:"resets_at"`
		WindowHours  int     `json:"window_hours"`
		ShortPercent float64 `json:"short_used_percent"`
		ShortResets  string  `json:"short_resets_at"`
	} `json:"buckets"`
}

// Fetch implements the Gemini adapter for one model.
func (f *GeminiFetcher) Fetch(ctx context.Context) (Status, error) {
	token := ""
	if f.Token != nil {
		t, err := f.Token()
		if err != nil {
			return Status{}, err
		}
		token = t
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return Status{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if f.ClientID != "" {
		req.Header.Set("X-Goog-Api-Client", f.ClientID)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("gemini usage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("gemini usage: status %d", resp.StatusCode)
	}
	body, err := httpclient.ReadAllWithLimit(resp.Body, maxUsageBody)
	if err != nil {
		return Status{}, err
	}
	var payload geminiUsagePayload
	if err := decodeLenient(body, &payload); err != nil {
		return Status{}, fmt.Errorf("gemini usage: %w", err)
	}

	now := time.Now()
	for _, bucket := range payload.Buckets {
		if bucket.Model != f.Model {
			continue
		}
		hours := bucket.WindowHours
		if hours <= 0 {
			hours = 24
		}
		long := NewWindow(now, bucket.UsedPercent, parseReset(bucket.ResetsAt), time.Duration(hours)*time.Hour)
		long.Kind = WindowLong
		status := Status{Long: &long}
		if bucket.ShortResets != "" {
			short := NewWindow(now, bucket.ShortPercent, parseReset(bucket.ShortResets), time.Hour)
			status.Short = &short
		}
		return status, nil
	}
	return Status{}, fmt.Errorf("gemini usage: no bucket for model %s", f.Model)
}

// AmazonQCounter is the store-side window for Amazon Q: the backend exposes
// no usage API, so the runner meters its own dispatches per UTC day.
type AmazonQCounter interface {
	AmazonQUsageFor(ctx context.Context, now time.Time) (int, error)
}

// AmazonQFetcher synthesizes a daily long window from the dispatch counter.
type AmazonQFetcher struct {
	Counter    AmazonQCounter
	DailyLimit int
	Logger     logging.Logger
}

// Fetch implements the Amazon Q adapter.
func (f *AmazonQFetcher) Fetch(ctx context.Context) (Status, error) {
	limit := f.DailyLimit
	if limit <= 0 {
		limit = 25
	}
	now := time.Now().UTC()
	count, err := f.Counter.AmazonQUsageFor(ctx, now)
	if err != nil {
		return Status{}, fmt.Errorf("amazon q counter: %w", err)
	}

	used := float64(count) / float64(limit) * 100
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	long := NewWindow(now, used, midnight, 24*time.Hour)
	return Status{Long: &long}, nil
}

// AccessTokenFromFile reads the access_token field of a JSON credential
// file, the common shape the engine CLIs persist after OAuth login.
func AccessTokenFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("credential file: %w", err)
	}
	var creds struct {
		AccessToken string `json:"access_token"`
		Tokens      struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := decodeLenient(data, &creds); err != nil {
		return "", fmt.Errorf("credential file %s: %w", path, err)
	}
	token := creds.AccessToken
	if token == "" {
		token = creds.Tokens.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("credential file %s has no access token", path)
	}
	return token, nil
}

func parseReset(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
